package service

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	hookTimeout = 10 * time.Second
	hookQueue   = 16
)

// HookConfig are shell commands run for the host side effects. Empty
// commands are skipped. The event is passed in DASHCAM_EVENT.
type HookConfig struct {
	// Failure stands in for the haptic pulse, DASHCAM_PULSE_MS holds its length.
	Failure string
	// Foreground is run with DASHCAM_EVENT=foreground_enter and foreground_exit.
	Foreground string
}

type hookJob struct {
	command string
	event   string
	env     []string
}

// hookHost implements session.Host with shell hooks. Hooks run one at a
// time in the order they were signalled.
type hookHost struct {
	log  *slog.Logger
	cfg  HookConfig
	jobs chan hookJob
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newHookHost(log *slog.Logger, cfg HookConfig) *hookHost {
	h := &hookHost{
		log:  log.With("svc", "host"),
		cfg:  cfg,
		jobs: make(chan hookJob, hookQueue),
		done: make(chan struct{}),
	}
	if cfg.Failure != "" || cfg.Foreground != "" {
		go h.worker()
	} else {
		close(h.done)
	}
	return h
}

// Close stops the worker once the queued hooks ran, or when ctx is done.
func (h *hookHost) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.jobs)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hookHost) EnterForeground() {
	h.log.Info("foreground entered")
	h.run(h.cfg.Foreground, "foreground_enter")
}

func (h *hookHost) ExitForeground() {
	h.log.Info("foreground released")
	h.run(h.cfg.Foreground, "foreground_exit")
}

func (h *hookHost) SignalFailure(err error, pulse time.Duration) {
	h.log.Warn("recording failure signalled", "err", err, "pulse", pulse)
	h.run(h.cfg.Failure, "failure",
		"DASHCAM_ERROR="+err.Error(),
		"DASHCAM_PULSE_MS="+strconv.FormatInt(pulse.Milliseconds(), 10),
	)
}

// run queues the hook, the session goroutine never waits for it.
func (h *hookHost) run(command, event string, env ...string) {
	if command == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.log.Warn("hook after close, dropping", "event", event)
		return
	}
	select {
	case h.jobs <- hookJob{command: command, event: event, env: env}:
	default:
		h.log.Warn("hook queue full, dropping", "event", event)
	}
}

func (h *hookHost) worker() {
	defer close(h.done)
	for job := range h.jobs {
		h.runJob(job)
	}
}

func (h *hookHost) runJob(job hookJob) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", job.command)
	cmd.Env = append(os.Environ(), "DASHCAM_EVENT="+job.event)
	cmd.Env = append(cmd.Env, job.env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.log.Error("hook failed", "event", job.event, "err", err, "output", string(out))
		return
	}
	h.log.Debug("hook done", "event", job.event)
}
