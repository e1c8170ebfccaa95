package camera

import "errors"

// ErrDeviceUnavailable is returned when the camera is busy or absent.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Device is exclusive access to the physical camera. A Device is acquired once,
// handed to an encoder and released; a new Device is created for every segment.
type Device interface {
	// Acquire opens the camera exclusively. It never blocks waiting for another owner.
	Acquire() error
	// ConfigureFixedFocus locks the focus at infinity.
	ConfigureFixedFocus() error
	// DetachForEncoder gives the sensor to the encoder while the Device keeps
	// the exclusive lock until Release.
	DetachForEncoder() (Source, error)
	// Release frees the camera. Safe to call on a device that was never acquired.
	Release() error
}

// Factory creates a new, not yet acquired Device.
type Factory func() Device

// Source is what an encoder needs to open the detached sensor.
type Source struct {
	Path        string
	Width       int
	Height      int
	FPS         int
	PixelFormat string // ffmpeg -input_format name
}

// Config selects the V4L2 node. Zero width, height or fps picks the largest
// mode the camera offers.
type Config struct {
	Device string `validate:"required"`
	Width  int    `validate:"gte=0"`
	Height int    `validate:"gte=0"`
	FPS    int    `validate:"gte=0"`
}
