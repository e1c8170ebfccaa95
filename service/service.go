package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/encoder"
	"github.com/tuzkov/dashcam/metrics"
	"github.com/tuzkov/dashcam/preview"
	"github.com/tuzkov/dashcam/session"
	"github.com/tuzkov/dashcam/status"
	"github.com/tuzkov/dashcam/storage"
)

var ErrClosed = errors.New("recorder service closed")

const subscriberBuffer = 8

// RecorderService runs recording sessions on behalf of the daemon, one
// session per run.
type RecorderService interface {
	// Start begins a run. While a run is in progress it is a no-op.
	Start(ctx context.Context) (session.Status, error)
	// Stop ends the current run and waits until its resources are released.
	Stop(ctx context.Context) (session.Status, error)
	Rotate(ctx context.Context) (session.Status, error)
	Status(ctx context.Context) (session.Status, error)
	Segments(ctx context.Context) ([]storage.Segment, error)
	// Subscribe streams every status change until cancel is called.
	Subscribe() (updates <-chan session.Status, cancel func())
	Close(ctx context.Context) error
}

// Backend replaces the hardware. Unset fields use the USB camera, ffmpeg and
// a headless preview target.
type Backend struct {
	Device  camera.Factory
	Encoder encoder.Factory
	Preview preview.Target
	Host    session.Host
}

type Config struct {
	StorageRoot string `validate:"required"`
	RuntimeDir  string `validate:"required"`

	Camera  camera.Config
	Encoder encoder.Config

	Quality      string        `validate:"oneof=high low"`
	MaxDuration  time.Duration `validate:"gt=0"`
	MaxFileSize  int64         `validate:"gt=0"`
	PreviewDelay time.Duration `validate:"gte=0"`

	Hooks HookConfig

	Metrics *metrics.Recorder `validate:"-"`
	Backend Backend           `validate:"-"`
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

type service struct {
	log *slog.Logger
	// root is handed to sessions, they add their own svc attribute
	root    *slog.Logger
	cfg     *Config
	store   *storage.Store
	profile encoder.Profile
	backend Backend
	// hooks is set when the service runs its own hook host
	hooks   *hookHost
	metrics *metrics.Recorder

	mu      sync.Mutex
	current *session.Session
	closed  bool

	subMu   sync.Mutex
	subs    map[int]chan session.Status
	nextSub int
}

func NewService(log *slog.Logger, cfg *Config) (RecorderService, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("fail to open storage: %w", err)
	}
	quality, err := encoder.ParseQuality(cfg.Quality)
	if err != nil {
		return nil, err
	}

	backend := cfg.Backend
	if backend.Device == nil {
		backend.Device = camera.USBFactory(log, &cfg.Camera)
	}
	if backend.Encoder == nil {
		backend.Encoder = encoder.FFmpegFactory(log, cfg.Encoder)
	}
	if backend.Preview == nil {
		backend.Preview = preview.NewHeadless(log, cfg.PreviewDelay)
	}
	var hooks *hookHost
	if backend.Host == nil {
		hooks = newHookHost(log, cfg.Hooks)
		backend.Host = hooks
	}

	svc := &service{
		log:     log.With("svc", "service"),
		root:    log,
		cfg:     cfg,
		store:   store,
		profile: encoder.Profile{Quality: quality, Audio: encoder.AudioVoiceRecognition},
		backend: backend,
		hooks:   hooks,
		metrics: cfg.Metrics,
		subs:    make(map[int]chan session.Status),
	}
	svc.log.Info("recorder ready", "storage", store.Dir(), "runtime", cfg.RuntimeDir)
	svc.publish(session.Status{State: session.Idle})
	return svc, nil
}

func (svc *service) Start(ctx context.Context) (session.Status, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.closed {
		return session.Status{}, ErrClosed
	}
	if svc.current != nil && !finished(svc.current) {
		svc.log.DebugContext(ctx, "run already in progress", "session", svc.current.ID())
		return svc.current.Status(), svc.current.Start()
	}

	observers := session.Observers{publisher{svc: svc}}
	if svc.metrics != nil {
		observers = append(observers, svc.metrics)
	}
	sess, err := session.New(svc.root, session.Config{
		Device:      svc.backend.Device,
		Encoder:     svc.backend.Encoder,
		Preview:     svc.backend.Preview,
		Store:       svc.store,
		Host:        svc.backend.Host,
		Observer:    observers,
		Profile:     svc.profile,
		MaxDuration: svc.cfg.MaxDuration,
		MaxFileSize: svc.cfg.MaxFileSize,
	})
	if err != nil {
		return session.Status{}, fmt.Errorf("fail to create session: %w", err)
	}
	if err := sess.Start(); err != nil {
		return session.Status{}, fmt.Errorf("fail to start session: %w", err)
	}
	svc.current = sess

	svc.log.InfoContext(ctx, "recording requested", "session", sess.ID())
	return sess.Status(), nil
}

func (svc *service) Stop(ctx context.Context) (session.Status, error) {
	sess := svc.currentSession()
	if sess == nil {
		return session.Status{State: session.Idle}, nil
	}

	sess.Stop()
	select {
	case <-sess.Done():
	case <-ctx.Done():
		return sess.Status(), fmt.Errorf("fail to wait for stop: %w", ctx.Err())
	}
	return sess.Status(), nil
}

func (svc *service) Rotate(ctx context.Context) (session.Status, error) {
	sess := svc.currentSession()
	if sess == nil || finished(sess) {
		return svc.Status(ctx)
	}
	sess.Rotate()
	return sess.Status(), nil
}

func (svc *service) Status(ctx context.Context) (session.Status, error) {
	sess := svc.currentSession()
	if sess == nil {
		return session.Status{State: session.Idle}, nil
	}
	return sess.Status(), nil
}

func (svc *service) Segments(ctx context.Context) ([]storage.Segment, error) {
	return svc.store.List()
}

func (svc *service) Subscribe() (<-chan session.Status, func()) {
	svc.subMu.Lock()
	defer svc.subMu.Unlock()

	id := svc.nextSub
	svc.nextSub++
	ch := make(chan session.Status, subscriberBuffer)
	svc.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			svc.subMu.Lock()
			defer svc.subMu.Unlock()
			if _, ok := svc.subs[id]; ok {
				delete(svc.subs, id)
				close(ch)
			}
		})
	}
}

func (svc *service) Close(ctx context.Context) error {
	svc.mu.Lock()
	svc.closed = true
	sess := svc.current
	svc.mu.Unlock()

	var err error
	if sess != nil {
		if err = sess.Teardown(ctx); err != nil {
			err = fmt.Errorf("fail to tear down session: %w", err)
		}
	}

	svc.subMu.Lock()
	for id, ch := range svc.subs {
		delete(svc.subs, id)
		close(ch)
	}
	svc.subMu.Unlock()

	// the failure and foreground_exit hooks of the last run still go out
	if svc.hooks != nil {
		if herr := svc.hooks.Close(ctx); herr != nil && err == nil {
			err = fmt.Errorf("fail to drain hooks: %w", herr)
		}
	}

	svc.log.Info("recorder closed")
	return err
}

func (svc *service) currentSession() *session.Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.current
}

// publish runs on the session goroutine and must not block.
func (svc *service) publish(st session.Status) {
	if err := status.Write(svc.cfg.RuntimeDir, status.Snapshot{Status: st}); err != nil {
		svc.log.Warn("fail to write status file", "err", err)
	}

	svc.subMu.Lock()
	defer svc.subMu.Unlock()
	for _, ch := range svc.subs {
		select {
		case ch <- st:
		default:
			// slow subscriber misses this one
		}
	}
}

func finished(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

type publisher struct {
	session.NopObserver
	svc *service
}

func (p publisher) Transition(_, _ session.State, st session.Status) {
	p.svc.publish(st)
}

func (p publisher) Updated(st session.Status) {
	p.svc.publish(st)
}
