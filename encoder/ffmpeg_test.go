package encoder

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzkov/dashcam/camera"
)

type readyTarget struct{ ready bool }

func (r *readyTarget) Attach(func()) error { return nil }
func (r *readyTarget) Ready() bool         { return r.ready }
func (r *readyTarget) Show()               {}
func (r *readyTarget) Hide()               {}
func (r *readyTarget) Visible() bool       { return false }
func (r *readyTarget) Detach()             {}

var testSource = camera.Source{Path: "/dev/video0", Width: 1280, Height: 720, FPS: 30, PixelFormat: "mjpeg"}

// fakeFFmpeg writes to the last argument and waits for "q" on stdin.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script encoder")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(testSource, DefaultProfile(), "hw:1", "/data/video/20240101-120000.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-f v4l2 -input_format mjpeg -framerate 30 -video_size 1280x720 -i /dev/video0")
	assert.Contains(t, joined, "-f alsa -i hw:1")
	assert.Contains(t, joined, "-af "+voiceFilter)
	assert.Contains(t, joined, "-preset veryfast")
	assert.Equal(t, "/data/video/20240101-120000.mp4", args[len(args)-1])

	low := strings.Join(buildArgs(camera.Source{Path: "/dev/video1"}, Profile{Quality: QualityLow, Audio: AudioMic}, "default", "out.mp4"), " ")
	assert.NotContains(t, low, "-af")
	assert.NotContains(t, low, "-video_size")
	assert.Contains(t, low, "-preset ultrafast")
}

func TestPrepareFailures(t *testing.T) {
	out := filepath.Join(t.TempDir(), "video", "a.mp4")

	tests := []struct {
		name  string
		setup func(e *FFmpeg)
	}{
		{
			name:  "no source",
			setup: func(e *FFmpeg) { e.SetOutputFile(out); e.SetPreviewTarget(&readyTarget{ready: true}) },
		},
		{
			name:  "no output",
			setup: func(e *FFmpeg) { e.SetSource(testSource); e.SetPreviewTarget(&readyTarget{ready: true}) },
		},
		{
			name:  "preview not ready",
			setup: func(e *FFmpeg) { e.SetSource(testSource); e.SetOutputFile(out); e.SetPreviewTarget(&readyTarget{}) },
		},
		{
			name:  "no preview",
			setup: func(e *FFmpeg) { e.SetSource(testSource); e.SetOutputFile(out) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewFFmpeg(nil, Config{Binary: "sh"})
			tt.setup(e)
			assert.ErrorIs(t, e.Prepare(), ErrInitFailure)
		})
	}

	t.Run("missing binary", func(t *testing.T) {
		e := NewFFmpeg(nil, Config{Binary: filepath.Join(t.TempDir(), "nope")})
		e.SetSource(testSource)
		e.SetOutputFile(out)
		e.SetPreviewTarget(&readyTarget{ready: true})
		assert.ErrorIs(t, e.Prepare(), ErrInitFailure)
	})
}

func newPrepared(t *testing.T, binary, out string) *FFmpeg {
	t.Helper()
	e := NewFFmpeg(nil, Config{Binary: binary, StartGrace: 100 * time.Millisecond, StopTimeout: 2 * time.Second})
	e.SetSource(testSource)
	e.SetOutputFile(out)
	e.SetPreviewTarget(&readyTarget{ready: true})
	require.NoError(t, e.Prepare())
	return e
}

func TestStartStop(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'frames' > "$last"
read line
exit 0`)
	out := filepath.Join(t.TempDir(), "video", "20240101-120000.mp4")

	e := newPrepared(t, bin, out)
	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	e.Release()
	e.Release()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	assert.Error(t, e.Stop(), "stop after release")
}

func TestStartEarlyExit(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "device busy" >&2
exit 1`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := newPrepared(t, bin, out)
	err := e.Start()
	require.ErrorIs(t, err, ErrInitFailure)
	assert.Contains(t, err.Error(), "device busy")
	e.Release()
}

func TestStopKillsStuckProcess(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'x' > "$last"
trap '' INT
while true; do sleep 1; done`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := NewFFmpeg(nil, Config{Binary: bin, StartGrace: 100 * time.Millisecond, StopTimeout: 200 * time.Millisecond})
	e.SetSource(testSource)
	e.SetOutputFile(out)
	e.SetPreviewTarget(&readyTarget{ready: true})
	require.NoError(t, e.Prepare())
	require.NoError(t, e.Start())

	done := make(chan error, 1)
	go func() { done <- e.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not kill the process")
	}
}

func TestReleaseWhileRecording(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'x' > "$last"
read line`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := newPrepared(t, bin, out)
	require.NoError(t, e.Start())
	e.Release()
	assert.Equal(t, stateReleased, e.state)
}

func TestDurationThresholdReported(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'x' > "$last"
read line`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := newPrepared(t, bin, out)
	e.SetMaxDuration(50 * time.Millisecond)
	got := make(chan Threshold, 2)
	e.OnThreshold(func(th Threshold) { got <- th })

	require.NoError(t, e.Start())
	defer e.Release()

	select {
	case th := <-got:
		assert.Equal(t, MaxDurationReached, th)
	case <-time.After(2 * time.Second):
		t.Fatal("no threshold reported")
	}
}

func TestExitWhileRecordingReported(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'x' > "$last"
sleep 0.3
exit 1`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := newPrepared(t, bin, out)
	errs := make(chan error, 1)
	e.OnError(func(err error) { errs <- err })

	require.NoError(t, e.Start())
	defer e.Release()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrExited)
	case <-time.After(3 * time.Second):
		t.Fatal("exit not reported")
	}
}

func TestStopDoesNotReportExit(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'x' > "$last"
read line`)
	out := filepath.Join(t.TempDir(), "a.mp4")

	e := newPrepared(t, bin, out)
	errs := make(chan error, 1)
	e.OnError(func(err error) { errs <- err })

	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	e.Release()

	select {
	case err := <-errs:
		t.Fatalf("graceful stop reported %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
