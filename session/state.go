package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/encoder"
)

type State int

const (
	Idle State = iota
	AwaitingPreview
	Recording
	Rotating
	Stopping
	Failed
)

var stateNames = map[State]string{
	Idle:            "IDLE",
	AwaitingPreview: "AWAITING_PREVIEW",
	Recording:       "RECORDING",
	Rotating:        "ROTATING",
	Stopping:        "STOPPING",
	Failed:          "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Active reports whether the camera and encoder are engaged.
func (s State) Active() bool {
	return s == Recording || s == Rotating
}

// Status is a snapshot of a session.
type Status struct {
	SessionID        string    `json:"session_id,omitempty"`
	State            State     `json:"state"`
	Segment          string    `json:"segment,omitempty"`
	SegmentIndex     int       `json:"segment_index"`
	SegmentStartedAt time.Time `json:"segment_started_at"`
	StartedAt        time.Time `json:"started_at"`
	Rotations        int       `json:"rotations"`
	// DeviceHeld is set from acquire to release, it leads State while engaging.
	DeviceHeld bool   `json:"device_held"`
	LastError  string `json:"last_error,omitempty"`
}

// Failure kinds reported to observers.
const (
	FailureDeviceUnavailable = "device_unavailable"
	FailureEncoderInit       = "encoder_init"
	FailureEncoderExited     = "encoder_exited"
	FailurePreview           = "preview"
	FailureOther             = "other"
)

var errPreview = errors.New("preview target failure")

// FailureKind classifies a transition failure.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return FailureDeviceUnavailable
	case errors.Is(err, encoder.ErrInitFailure):
		return FailureEncoderInit
	case errors.Is(err, encoder.ErrExited):
		return FailureEncoderExited
	case errors.Is(err, errPreview):
		return FailurePreview
	}
	return FailureOther
}

// Observer is told about everything the state machine does. Calls arrive on
// the session goroutine and must not block.
type Observer interface {
	Transition(from, to State, st Status)
	// Updated reports a status change that is not a state transition.
	Updated(st Status)
	SegmentStarted(st Status)
	Failure(kind string, err error)
	StaleEvent(event string, state State)
}

// NopObserver ignores everything, embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) Transition(State, State, Status) {}
func (NopObserver) Updated(Status)                  {}
func (NopObserver) SegmentStarted(Status)           {}
func (NopObserver) Failure(string, error)           {}
func (NopObserver) StaleEvent(string, State)        {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) Transition(from, to State, st Status) {
	for _, ob := range o {
		ob.Transition(from, to, st)
	}
}

func (o Observers) Updated(st Status) {
	for _, ob := range o {
		ob.Updated(st)
	}
}

func (o Observers) SegmentStarted(st Status) {
	for _, ob := range o {
		ob.SegmentStarted(st)
	}
}

func (o Observers) Failure(kind string, err error) {
	for _, ob := range o {
		ob.Failure(kind, err)
	}
}

func (o Observers) StaleEvent(event string, state State) {
	for _, ob := range o {
		ob.StaleEvent(event, state)
	}
}

// Host receives the side effects meant for the hosting shell.
type Host interface {
	// EnterForeground keeps the host alive while the camera is engaged.
	EnterForeground()
	ExitForeground()
	// SignalFailure is the user-perceivable failure pulse.
	SignalFailure(err error, pulse time.Duration)
}

type nopHost struct{}

func (nopHost) EnterForeground()                   {}
func (nopHost) ExitForeground()                    {}
func (nopHost) SignalFailure(error, time.Duration) {}
