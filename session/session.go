// Package session is the recording lifecycle of one run: from start, through
// any number of segment rotations, to stop or failure.
//
// A Session owns one goroutine. Start, Stop, Rotate, Teardown and the
// asynchronous preview-ready and threshold callbacks only queue events for
// it, so no two transitions ever interleave. Events that do not apply to the
// current state are logged and dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/encoder"
	"github.com/tuzkov/dashcam/preview"
	"github.com/tuzkov/dashcam/storage"
)

const (
	DefaultMaxDuration       = 30 * time.Minute
	DefaultMaxFileSize int64 = 1 << 30

	// FailurePulse is the length of the failure signal sent to the host.
	FailurePulse = 3 * time.Second

	eventQueueSize = 32
)

// ErrSessionClosed is returned by Start on a session whose run is over.
var ErrSessionClosed = errors.New("recording session closed")

type Config struct {
	Device  camera.Factory
	Encoder encoder.Factory
	// Preview is provisioned by the host, the session only attaches to it.
	Preview preview.Target
	Store   *storage.Store

	Host     Host
	Observer Observer

	Profile     encoder.Profile
	MaxDuration time.Duration
	MaxFileSize int64

	Clock func() time.Time
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evRotate
	evPreviewReady
	evThreshold
	evEncoderError
	evTeardown
	evBarrier
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evRotate:
		return "rotate"
	case evPreviewReady:
		return "preview_ready"
	case evThreshold:
		return "threshold_reached"
	case evEncoderError:
		return "encoder_error"
	case evTeardown:
		return "teardown"
	case evBarrier:
		return "barrier"
	}
	return "unknown"
}

type event struct {
	kind      eventKind
	segment   int
	threshold encoder.Threshold
	err       error
	done      chan struct{}
}

type Session struct {
	log *slog.Logger
	cfg Config
	id  string

	events chan event
	exited chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	status Status

	// owned by the run goroutine
	started    bool
	finished   bool
	foreground bool
	device     camera.Device
	enc        encoder.Encoder
	segment    int
	previous   string
}

func New(log *slog.Logger, cfg Config) (*Session, error) {
	if cfg.Device == nil || cfg.Encoder == nil || cfg.Preview == nil || cfg.Store == nil {
		return nil, errors.New("session needs a device, an encoder, a preview target and a store")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Host == nil {
		cfg.Host = nopHost{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	id := uuid.NewString()
	s := &Session{
		log:    log.With("svc", "session", "session", id),
		cfg:    cfg,
		id:     id,
		events: make(chan event, eventQueueSize),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		status: Status{SessionID: id, State: Idle},
	}
	go s.run()
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// Done is closed when the run is over and every resource is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start provisions the preview target. Recording begins once it is ready.
// Start on a session that is already running is a no-op.
func (s *Session) Start() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if !s.enqueue(event{kind: evStart}) {
		return ErrSessionClosed
	}
	return nil
}

// Stop ends the run. A stop during rotation takes effect once the new segment
// has started. Stop before start is a no-op.
func (s *Session) Stop() {
	s.enqueue(event{kind: evStop})
}

// Rotate closes the current segment and opens the next one.
func (s *Session) Rotate() {
	s.enqueue(event{kind: evRotate})
}

// Teardown stops whatever is running, detaches the preview target and ends
// the session goroutine. It waits for that or for ctx.
func (s *Session) Teardown(ctx context.Context) error {
	s.enqueue(event{kind: evTeardown})
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// barrier returns once every event queued before it was handled.
func (s *Session) barrier() {
	done := make(chan struct{})
	if !s.enqueue(event{kind: evBarrier, done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.exited:
	}
}

func (s *Session) enqueue(ev event) bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.exited:
		return false
	}
}

func (s *Session) run() {
	defer close(s.exited)

	for {
		ev := <-s.events
		s.handle(ev)
		if ev.done != nil {
			close(ev.done)
		}
		if s.finished {
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evStart:
		s.handleStart()
	case evStop:
		s.handleStop()
	case evRotate:
		if s.State() != Recording {
			s.log.Debug("rotate ignored", "state", s.State())
			return
		}
		s.rotate("manual")
	case evPreviewReady:
		if s.State() != AwaitingPreview {
			s.stale(ev)
			return
		}
		s.engage()
	case evThreshold:
		if s.State() != Recording || ev.segment != s.segment {
			s.stale(ev)
			return
		}
		s.rotate(ev.threshold.String())
	case evEncoderError:
		if s.State() != Recording || ev.segment != s.segment {
			s.stale(ev)
			return
		}
		s.fail(ev.err)
	case evTeardown:
		s.handleTeardown()
	case evBarrier:
	}
}

func (s *Session) stale(ev event) {
	state := s.State()
	s.log.Debug("stale event ignored", "event", ev.kind, "state", state, "segment", ev.segment)
	s.cfg.Observer.StaleEvent(ev.kind.String(), state)
}

func (s *Session) handleStart() {
	if s.started {
		s.log.Debug("start ignored", "state", s.State())
		return
	}
	s.started = true

	s.mu.Lock()
	s.status.StartedAt = s.cfg.Clock()
	s.mu.Unlock()
	s.setState(AwaitingPreview)

	err := s.cfg.Preview.Attach(func() {
		s.enqueue(event{kind: evPreviewReady})
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: fail to attach: %w", errPreview, err))
		return
	}
	s.log.Info("waiting for preview target")
}

// engage runs the first segment once the preview target is ready.
func (s *Session) engage() {
	s.cfg.Host.EnterForeground()
	s.foreground = true

	if err := s.beginSegment(); err != nil {
		s.fail(err)
		return
	}
	s.setState(Recording)
	// only needed for encoder init
	s.cfg.Preview.Hide()

	st := s.Status()
	s.log.Info("recording started", "segment", st.Segment)
	s.cfg.Observer.SegmentStarted(st)
}

func (s *Session) rotate(reason string) {
	s.log.Info("rotating segment", "reason", reason, "segment", s.previous)
	s.setState(Rotating)
	// encoder re-initializes against the visible target
	s.cfg.Preview.Show()

	s.endSegment()
	if err := s.beginSegment(); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.status.Rotations++
	s.mu.Unlock()
	s.setState(Recording)
	s.cfg.Preview.Hide()

	st := s.Status()
	s.log.Info("segment rotated", "segment", st.Segment, "index", st.SegmentIndex)
	s.cfg.Observer.SegmentStarted(st)
}

func (s *Session) handleStop() {
	switch state := s.State(); state {
	case Recording:
		s.stopRecording()
	case AwaitingPreview:
		s.log.Info("start cancelled before preview was ready")
		s.finish()
	default:
		s.log.Debug("stop ignored", "state", state)
	}
}

func (s *Session) handleTeardown() {
	s.log.Debug("teardown", "state", s.State())
	if s.State() == Recording {
		s.stopRecording()
		return
	}
	s.finish()
}

func (s *Session) stopRecording() {
	s.setState(Stopping)
	s.endSegment()
	s.exitForeground()
	s.log.Info("recording stopped", "segment", s.previous)
	s.finish()
}

// beginSegment acquires a camera and starts a fresh encoder on a new file.
// Whatever it acquired is released again if it fails.
func (s *Session) beginSegment() (err error) {
	dev := s.cfg.Device()
	if err := dev.Acquire(); err != nil {
		return fmt.Errorf("fail to acquire camera: %w", err)
	}
	s.setDeviceHeld(true)
	defer func() {
		if err != nil {
			if rerr := dev.Release(); rerr != nil {
				s.log.Warn("fail to release camera", "err", rerr)
			}
			s.setDeviceHeld(false)
		}
	}()

	if err = dev.ConfigureFixedFocus(); err != nil {
		return fmt.Errorf("fail to configure focus: %w", err)
	}
	src, err := dev.DetachForEncoder()
	if err != nil {
		return fmt.Errorf("fail to detach camera: %w", err)
	}

	enc := s.cfg.Encoder()
	defer func() {
		if err != nil {
			enc.Release()
		}
	}()

	segment := s.segment + 1
	startedAt := s.cfg.Clock()
	path := s.cfg.Store.NextPath(startedAt, s.previous)

	enc.SetSource(src)
	enc.SetProfile(s.cfg.Profile)
	enc.SetOutputFile(path)
	enc.OnThreshold(func(t encoder.Threshold) {
		s.enqueue(event{kind: evThreshold, segment: segment, threshold: t})
	})
	enc.OnError(func(err error) {
		s.enqueue(event{kind: evEncoderError, segment: segment, err: err})
	})
	enc.SetMaxDuration(s.cfg.MaxDuration)
	enc.SetMaxFileSize(s.cfg.MaxFileSize)
	enc.SetPreviewTarget(s.cfg.Preview)

	if err = enc.Prepare(); err != nil {
		return fmt.Errorf("fail to prepare encoder: %w", err)
	}
	if err = enc.Start(); err != nil {
		return fmt.Errorf("fail to start encoder: %w", err)
	}

	s.device = dev
	s.enc = enc
	s.segment = segment
	s.previous = path

	s.mu.Lock()
	s.status.Segment = path
	s.status.SegmentIndex = segment
	s.status.SegmentStartedAt = startedAt
	s.mu.Unlock()
	return nil
}

func (s *Session) endSegment() {
	if s.enc != nil {
		if err := s.enc.Stop(); err != nil {
			s.log.Warn("fail to stop encoder", "err", err, "segment", s.previous)
		}
		s.enc.Release()
		s.enc = nil
	}
	s.releaseDevice()
}

func (s *Session) releaseDevice() {
	if s.device == nil {
		return
	}
	if err := s.device.Release(); err != nil {
		s.log.Warn("fail to release camera", "err", err)
	}
	s.device = nil
	s.setDeviceHeld(false)
}

func (s *Session) setDeviceHeld(held bool) {
	s.mu.Lock()
	s.status.DeviceHeld = held
	st := s.status
	s.mu.Unlock()
	s.cfg.Observer.Updated(st)
}

func (s *Session) exitForeground() {
	if s.foreground {
		s.cfg.Host.ExitForeground()
		s.foreground = false
	}
}

func (s *Session) fail(err error) {
	kind := FailureKind(err)
	s.log.Error("recording failed", "err", err, "kind", kind)

	s.exitForeground()
	if s.enc != nil {
		s.enc.Release()
		s.enc = nil
	}
	s.releaseDevice()

	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.setState(Failed)

	s.cfg.Observer.Failure(kind, err)
	s.cfg.Host.SignalFailure(err, FailurePulse)
	s.finish()
}

// finish ends the run. The session never starts again.
func (s *Session) finish() {
	s.cfg.Preview.Detach()
	if s.State() != Idle {
		s.setState(Idle)
	}
	s.finished = true
	close(s.done)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = to
	st := s.status
	s.mu.Unlock()

	s.log.Debug("state transition", "from", from, "to", to)
	s.cfg.Observer.Transition(from, to, st)
}
