// Package preview holds the drawable target the encoder initializes against.
// Whether it is shown to anyone is irrelevant to recording.
package preview

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Target is provisioned by the host. A session attaches to it, waits for
// readiness and toggles its visibility around encoder initialization.
type Target interface {
	// Attach provisions the target and calls onReady once, asynchronously,
	// when the target can be used by an encoder.
	Attach(onReady func()) error
	Ready() bool
	Show()
	Hide()
	Visible() bool
	// Detach removes the target from the display. Idempotent.
	Detach()
}

// Headless is a Target for hosts without a display. It becomes ready after
// delay on every Attach.
type Headless struct {
	log   *slog.Logger
	delay time.Duration

	sync.Mutex
	attached bool
	ready    bool
	visible  bool
	timer    *time.Timer
}

func NewHeadless(log *slog.Logger, delay time.Duration) *Headless {
	if log == nil {
		log = slog.Default()
	}
	return &Headless{
		log:   log.With("svc", "preview"),
		delay: delay,
	}
}

func (h *Headless) Attach(onReady func()) error {
	h.Lock()
	defer h.Unlock()

	if h.attached {
		return errors.New("preview target already attached")
	}
	h.attached = true
	h.visible = true

	var timer *time.Timer
	timer = time.AfterFunc(h.delay, func() {
		h.Lock()
		if !h.attached || h.timer != timer {
			// detached before it became ready
			h.Unlock()
			return
		}
		h.ready = true
		h.Unlock()

		h.log.Debug("preview target ready")
		if onReady != nil {
			onReady()
		}
	})
	h.timer = timer
	return nil
}

func (h *Headless) Ready() bool {
	h.Lock()
	defer h.Unlock()
	return h.ready
}

func (h *Headless) Show() {
	h.Lock()
	h.visible = h.attached
	h.Unlock()
}

func (h *Headless) Hide() {
	h.Lock()
	h.visible = false
	h.Unlock()
}

func (h *Headless) Visible() bool {
	h.Lock()
	defer h.Unlock()
	return h.visible
}

func (h *Headless) Detach() {
	h.Lock()
	defer h.Unlock()

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.attached {
		h.log.Debug("preview target detached")
	}
	h.attached = false
	h.ready = false
	h.visible = false
}
