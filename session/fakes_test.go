package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/encoder"
	"github.com/tuzkov/dashcam/preview"
)

// rig stands in for the camera hardware and the encoder pipeline. Failure
// knobs are 1-based counts of the call that should fail.
type rig struct {
	mu sync.Mutex

	acquires int
	releases int
	held     int
	// maxHeld is the highest number of simultaneously held devices seen
	maxHeld int

	failAcquireAt int
	failPrepareAt int
	failStartAt   int

	// onPrepare runs inside every encoder Prepare
	onPrepare func()

	// stopGate blocks encoder Stop until closed
	stopGate chan struct{}
	stopping chan struct{}

	encoders []*fakeEncoder
}

func (r *rig) device() camera.Device {
	return &fakeDevice{r: r}
}

func (r *rig) encoder() encoder.Encoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &fakeEncoder{r: r, index: len(r.encoders) + 1}
	r.encoders = append(r.encoders, e)
	return e
}

func (r *rig) counts() (acquires, releases, held int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquires, r.releases, r.held
}

func (r *rig) encoderAt(i int) *fakeEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.encoders) {
		return nil
	}
	return r.encoders[i]
}

func (r *rig) encoderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.encoders)
}

type fakeDevice struct {
	r        *rig
	acquired bool
}

func (d *fakeDevice) Acquire() error {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	d.r.acquires++
	if d.r.acquires == d.r.failAcquireAt {
		return fmt.Errorf("%w: camera in use", camera.ErrDeviceUnavailable)
	}
	if d.r.held > 0 {
		return fmt.Errorf("%w: already held", camera.ErrDeviceUnavailable)
	}
	d.r.held++
	if d.r.held > d.r.maxHeld {
		d.r.maxHeld = d.r.held
	}
	d.acquired = true
	return nil
}

func (d *fakeDevice) ConfigureFixedFocus() error {
	return nil
}

func (d *fakeDevice) DetachForEncoder() (camera.Source, error) {
	if !d.acquired {
		return camera.Source{}, errors.New("not acquired")
	}
	return camera.Source{Path: "/dev/video-fake", Width: 1280, Height: 720, FPS: 30, PixelFormat: "mjpeg"}, nil
}

func (d *fakeDevice) Release() error {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	if !d.acquired {
		return nil
	}
	d.acquired = false
	d.r.held--
	d.r.releases++
	return nil
}

type fakeEncoder struct {
	r     *rig
	index int

	output      string
	maxDuration time.Duration
	maxFileSize int64
	onThreshold func(encoder.Threshold)
	onError     func(error)
	target      preview.Target

	started  bool
	stopped  bool
	released bool
}

func (e *fakeEncoder) SetSource(camera.Source)    {}
func (e *fakeEncoder) SetProfile(encoder.Profile) {}

func (e *fakeEncoder) SetOutputFile(path string) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.output = path
}

func (e *fakeEncoder) SetMaxDuration(d time.Duration) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.maxDuration = d
}

func (e *fakeEncoder) SetMaxFileSize(n int64) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.maxFileSize = n
}

func (e *fakeEncoder) SetPreviewTarget(t preview.Target) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.target = t
}

func (e *fakeEncoder) OnThreshold(fn func(encoder.Threshold)) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.onThreshold = fn
}

func (e *fakeEncoder) OnError(fn func(error)) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.onError = fn
}

func (e *fakeEncoder) Prepare() error {
	e.r.mu.Lock()
	hook := e.r.onPrepare
	e.r.mu.Unlock()
	if hook != nil {
		hook()
	}

	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.index == e.r.failPrepareAt {
		return fmt.Errorf("%w: no codec", encoder.ErrInitFailure)
	}
	if e.target == nil || !e.target.Ready() {
		return fmt.Errorf("%w: preview not ready", encoder.ErrInitFailure)
	}
	return nil
}

func (e *fakeEncoder) Start() error {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.index == e.r.failStartAt {
		return fmt.Errorf("%w: exited early", encoder.ErrInitFailure)
	}
	e.started = true
	return os.WriteFile(e.output, nil, 0o644)
}

func (e *fakeEncoder) Stop() error {
	e.r.mu.Lock()
	gate, stopping := e.r.stopGate, e.r.stopping
	e.r.mu.Unlock()
	if gate != nil {
		if stopping != nil {
			select {
			case stopping <- struct{}{}:
			default:
			}
		}
		<-gate
	}

	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.stopped = true
	return nil
}

func (e *fakeEncoder) Release() {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.released = true
}

func (e *fakeEncoder) fire(t encoder.Threshold) {
	e.r.mu.Lock()
	fn := e.onThreshold
	e.r.mu.Unlock()
	fn(t)
}

// die reports the pipeline exiting on its own.
func (e *fakeEncoder) die() {
	e.r.mu.Lock()
	fn := e.onError
	e.r.mu.Unlock()
	fn(fmt.Errorf("%w: exit status 1", encoder.ErrExited))
}

func (e *fakeEncoder) snapshot() fakeEncoder {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return fakeEncoder{
		index:       e.index,
		output:      e.output,
		maxDuration: e.maxDuration,
		maxFileSize: e.maxFileSize,
		started:     e.started,
		stopped:     e.stopped,
		released:    e.released,
	}
}

// fakePreview becomes ready only when the test says so.
type fakePreview struct {
	mu       sync.Mutex
	onReady  func()
	attaches int
	detaches int
	ready    bool
	visible  bool
	attachFn func() error
	// detachHook runs on Detach before the target is torn down
	detachHook func()
}

func (p *fakePreview) Attach(onReady func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attaches++
	if p.attachFn != nil {
		if err := p.attachFn(); err != nil {
			return err
		}
	}
	p.onReady = onReady
	p.visible = true
	return nil
}

func (p *fakePreview) becomeReady() {
	p.mu.Lock()
	p.ready = true
	fn := p.onReady
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePreview) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePreview) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = true
}

func (p *fakePreview) Hide() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = false
}

func (p *fakePreview) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *fakePreview) Detach() {
	p.mu.Lock()
	hook := p.detachHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.detaches++
	p.ready = false
	p.visible = false
	p.onReady = nil
}

func (p *fakePreview) attachCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attaches
}

func (p *fakePreview) detachCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detaches
}

type fakeHost struct {
	mu       sync.Mutex
	enters   int
	exits    int
	failures []error
	pulse    time.Duration
}

func (h *fakeHost) EnterForeground() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enters++
}

func (h *fakeHost) ExitForeground() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exits++
}

func (h *fakeHost) SignalFailure(err error, pulse time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
	h.pulse = pulse
}

func (h *fakeHost) counts() (enters, exits, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enters, h.exits, len(h.failures)
}

type recordingObserver struct {
	NopObserver

	mu          sync.Mutex
	transitions []State
	failures    []string
	stale       []string
	segments    int
}

func (o *recordingObserver) Transition(_, to State, _ Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) SegmentStarted(Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segments++
}

func (o *recordingObserver) Failure(kind string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, kind)
}

func (o *recordingObserver) StaleEvent(event string, _ State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale = append(o.stale, event)
}

func (o *recordingObserver) path() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.transitions...)
}

func (o *recordingObserver) staleEvents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.stale...)
}

func (o *recordingObserver) failureKinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
