// Package encoder drives the encoder/muxer pipeline that turns the detached
// camera sensor and the microphone into one segment file.
package encoder

import (
	"errors"
	"time"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/preview"
)

// ErrInitFailure is returned when the pipeline cannot be prepared or started.
var ErrInitFailure = errors.New("encoder init failure")

// ErrExited is reported through OnError when the pipeline dies while recording.
var ErrExited = errors.New("encoder exited while recording")

type Quality int

const (
	QualityHigh Quality = iota
	QualityLow
)

func ParseQuality(s string) (Quality, error) {
	switch s {
	case "high", "":
		return QualityHigh, nil
	case "low":
		return QualityLow, nil
	}
	return 0, errors.New("unknown quality " + s)
}

type AudioSource int

const (
	// AudioVoiceRecognition is band-limited and denoised, engine and road
	// noise mostly sit below the voice band.
	AudioVoiceRecognition AudioSource = iota
	AudioMic
)

// Profile is the fixed recording profile.
type Profile struct {
	Quality Quality
	Audio   AudioSource
}

func DefaultProfile() Profile {
	return Profile{Quality: QualityHigh, Audio: AudioVoiceRecognition}
}

// Threshold is the segment limit the encoder reports.
type Threshold int

const (
	MaxDurationReached Threshold = iota + 1
	MaxFileSizeReached
)

func (t Threshold) String() string {
	switch t {
	case MaxDurationReached:
		return "max_duration"
	case MaxFileSizeReached:
		return "max_filesize"
	}
	return "unknown"
}

// Encoder is one segment's pipeline. Setters are applied before Prepare.
// Thresholds and a pipeline that dies on its own are reported through the
// OnThreshold and OnError callbacks on another goroutine.
type Encoder interface {
	SetSource(src camera.Source)
	SetProfile(p Profile)
	SetOutputFile(path string)
	SetMaxDuration(d time.Duration)
	SetMaxFileSize(n int64)
	SetPreviewTarget(t preview.Target)
	OnThreshold(fn func(Threshold))
	OnError(fn func(error))

	Prepare() error
	Start() error
	Stop() error
	// Release frees the pipeline in any state. Idempotent.
	Release()
}

// Factory creates a fresh, unconfigured Encoder.
type Factory func() Encoder
