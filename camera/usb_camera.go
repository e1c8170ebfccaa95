package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
)

const (
	V4L2_PIX_FMT_MJPG = 0x47504A4D
	V4L2_PIX_FMT_YUYV = 0x56595559

	V4L2_CID_FOCUS_ABSOLUTE webcam.ControlID = 0x009a090a
	V4L2_CID_FOCUS_AUTO     webcam.ControlID = 0x009a090c
)

// preferred order, mjpeg keeps usb bandwidth low at full resolution
var supportedFormats = []struct {
	format webcam.PixelFormat
	name   string
}{
	{V4L2_PIX_FMT_MJPG, "mjpeg"},
	{V4L2_PIX_FMT_YUYV, "yuyv422"},
}

// camera can be held only by one session in the process, so locking it with mutex
var cameraSlot = &sync.Mutex{}

type USBCamera struct {
	log *slog.Logger
	cfg *Config

	held   bool
	lock   *deviceLock
	cam    *webcam.Webcam
	source Source
}

func NewUSBCamera(log *slog.Logger, cfg *Config) *USBCamera {
	if log == nil {
		log = slog.Default()
	}
	return &USBCamera{
		log: log.With("svc", "camera", "device", cfg.Device),
		cfg: cfg,
	}
}

// USBFactory returns a Factory producing USB cameras for cfg.
func USBFactory(log *slog.Logger, cfg *Config) Factory {
	return func() Device {
		return NewUSBCamera(log, cfg)
	}
}

func (c *USBCamera) Acquire() error {
	if c.held {
		return fmt.Errorf("%w: already acquired", ErrDeviceUnavailable)
	}
	if !cameraSlot.TryLock() {
		// blocked, most likely by a session that did not release yet
		return fmt.Errorf("%w: camera is held by another session", ErrDeviceUnavailable)
	}

	lock, err := lockDevice(c.cfg.Device)
	if err != nil {
		cameraSlot.Unlock()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	cam, err := webcam.Open(c.cfg.Device)
	if err != nil {
		lock.unlock()
		cameraSlot.Unlock()
		return fmt.Errorf("%w: fail to open camera: %w", ErrDeviceUnavailable, err)
	}

	c.held = true
	c.lock = lock
	c.cam = cam

	if err := c.setFormat(); err != nil {
		c.Release()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	c.log.Debug("camera acquired", "source", c.source)
	return nil
}

func (c *USBCamera) setFormat() error {
	formatDesc := c.cam.GetSupportedFormats()
	c.log.Debug("Supported formats", "formats", formatDesc)

	var (
		format webcam.PixelFormat
		name   string
	)
	for _, f := range supportedFormats {
		if _, ok := formatDesc[f.format]; ok {
			format, name = f.format, f.name
			break
		}
	}
	if format == 0 {
		return errors.New("found no supported formats")
	}

	width, height := uint32(c.cfg.Width), uint32(c.cfg.Height)
	if width == 0 || height == 0 {
		sizes := FrameSizes(c.cam.GetSupportedFrameSizes(format))
		if len(sizes) == 0 {
			return errors.New("found no frame sizes")
		}
		sort.Sort(sizes)
		size := sizes[len(sizes)-1]
		width, height = size.MaxWidth, size.MaxHeight
	}

	_, w, h, err := c.cam.SetImageFormat(format, width, height)
	if err != nil {
		return fmt.Errorf("fail to set image format: %w", err)
	}

	c.source = Source{
		Path:        c.cfg.Device,
		Width:       int(w),
		Height:      int(h),
		FPS:         c.cfg.FPS,
		PixelFormat: name,
	}
	return nil
}

func (c *USBCamera) ConfigureFixedFocus() error {
	if c.cam == nil {
		return errors.New("camera is not open")
	}

	controls := c.cam.GetControls()
	if _, ok := controls[V4L2_CID_FOCUS_AUTO]; ok {
		if err := c.cam.SetControl(V4L2_CID_FOCUS_AUTO, 0); err != nil {
			return fmt.Errorf("fail to disable autofocus: %w", err)
		}
	}
	focus, ok := controls[V4L2_CID_FOCUS_ABSOLUTE]
	if !ok {
		// fixed-focus lens
		c.log.Debug("no focus control")
		return nil
	}
	// minimum is infinity on uvc cameras
	if err := c.cam.SetControl(V4L2_CID_FOCUS_ABSOLUTE, focus.Min); err != nil {
		return fmt.Errorf("fail to set focus: %w", err)
	}
	c.log.Debug("focus set to infinity", "value", focus.Min)
	return nil
}

func (c *USBCamera) DetachForEncoder() (Source, error) {
	if !c.held {
		return Source{}, errors.New("camera is not acquired")
	}
	if c.cam != nil {
		// encoder opens the streaming interface itself, the flock stays with us
		if err := c.cam.Close(); err != nil {
			return Source{}, fmt.Errorf("fail to close camera handle: %w", err)
		}
		c.cam = nil
	}
	return c.source, nil
}

func (c *USBCamera) Release() error {
	if !c.held {
		return nil
	}

	var errs []error
	if c.cam != nil {
		if err := c.cam.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fail to close camera: %w", err))
		}
		c.cam = nil
	}
	if err := c.lock.unlock(); err != nil {
		errs = append(errs, err)
	}
	c.lock = nil
	c.held = false
	cameraSlot.Unlock()

	c.log.Debug("camera released")
	return errors.Join(errs...)
}

type FrameSizes []webcam.FrameSize

func (slice FrameSizes) Len() int {
	return len(slice)
}

// For sorting purposes
func (slice FrameSizes) Less(i, j int) bool {
	ls := slice[i].MaxWidth * slice[i].MaxHeight
	rs := slice[j].MaxWidth * slice[j].MaxHeight
	return ls < rs
}

// For sorting purposes
func (slice FrameSizes) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}
