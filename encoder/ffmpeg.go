package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/preview"
)

const (
	DefaultBinary      = "ffmpeg"
	DefaultAudioDevice = "default"
	DefaultStopTimeout = 10 * time.Second
	DefaultStartGrace  = time.Second
)

// voice band with noise reduction, cuts most of the engine rumble
const voiceFilter = "highpass=f=200,lowpass=f=3400,afftdn=nf=-25"

type Config struct {
	Binary      string
	AudioDevice string
	// StopTimeout is how long a graceful quit may take before the process is killed.
	StopTimeout time.Duration
	// StartGrace is how long Start waits for the process to fail early.
	StartGrace time.Duration
}

type ffmpegState int

const (
	stateInitial ffmpegState = iota
	statePrepared
	stateRecording
	stateStopped
	stateReleased
)

// FFmpeg records one segment by running an ffmpeg process.
type FFmpeg struct {
	log *slog.Logger
	cfg Config

	source      camera.Source
	profile     Profile
	output      string
	maxDuration time.Duration
	maxFileSize int64
	preview     preview.Target
	onThreshold func(Threshold)
	onError     func(error)

	state   ffmpegState
	args    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *syncBuffer
	exited  chan struct{}
	waitErr error
	watcher *thresholdWatcher

	stopping atomic.Bool
}

func NewFFmpeg(log *slog.Logger, cfg Config) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.AudioDevice == "" {
		cfg.AudioDevice = DefaultAudioDevice
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = DefaultStartGrace
	}
	return &FFmpeg{
		log:     log.With("svc", "encoder"),
		cfg:     cfg,
		profile: DefaultProfile(),
	}
}

// FFmpegFactory returns a Factory producing ffmpeg encoders for cfg.
func FFmpegFactory(log *slog.Logger, cfg Config) Factory {
	return func() Encoder {
		return NewFFmpeg(log, cfg)
	}
}

func (e *FFmpeg) SetSource(src camera.Source)       { e.source = src }
func (e *FFmpeg) SetProfile(p Profile)              { e.profile = p }
func (e *FFmpeg) SetOutputFile(path string)         { e.output = path }
func (e *FFmpeg) SetMaxDuration(d time.Duration)    { e.maxDuration = d }
func (e *FFmpeg) SetMaxFileSize(n int64)            { e.maxFileSize = n }
func (e *FFmpeg) SetPreviewTarget(t preview.Target) { e.preview = t }
func (e *FFmpeg) OnThreshold(fn func(Threshold))    { e.onThreshold = fn }
func (e *FFmpeg) OnError(fn func(error))            { e.onError = fn }

func (e *FFmpeg) Prepare() error {
	if e.state != stateInitial {
		return fmt.Errorf("%w: prepare called twice", ErrInitFailure)
	}
	if e.source.Path == "" {
		return fmt.Errorf("%w: no video source", ErrInitFailure)
	}
	if e.output == "" {
		return fmt.Errorf("%w: no output file", ErrInitFailure)
	}
	if e.preview == nil || !e.preview.Ready() {
		return fmt.Errorf("%w: preview target is not ready", ErrInitFailure)
	}
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %w", ErrInitFailure, err)
	}
	if err := os.MkdirAll(filepath.Dir(e.output), 0o755); err != nil {
		return fmt.Errorf("%w: fail to create output dir: %w", ErrInitFailure, err)
	}

	e.args = buildArgs(e.source, e.profile, e.cfg.AudioDevice, e.output)
	e.state = statePrepared
	e.log.Debug("ffmpeg args", "args", e.args)
	return nil
}

func buildArgs(src camera.Source, profile Profile, audioDevice, output string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
	}
	if src.PixelFormat != "" {
		args = append(args, "-input_format", src.PixelFormat)
	}
	if src.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(src.FPS))
	}
	if src.Width > 0 && src.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", src.Width, src.Height))
	}
	args = append(args,
		"-i", src.Path,
		"-f", "alsa",
		"-i", audioDevice,
	)

	if profile.Audio == AudioVoiceRecognition {
		args = append(args, "-af", voiceFilter)
	}

	preset, crf := "veryfast", "20"
	if profile.Quality == QualityLow {
		preset, crf = "ultrafast", "28"
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", crf,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		// fragmented mp4 stays playable if power is cut mid-segment
		"-movflags", "+frag_keyframe+empty_moov",
		"-y",
		output,
	)
	return args
}

func (e *FFmpeg) Start() error {
	if e.state != statePrepared {
		return fmt.Errorf("%w: start before prepare", ErrInitFailure)
	}

	cmd := exec.Command(e.cfg.Binary, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: fail to open stdin pipe: %w", ErrInitFailure, err)
	}
	e.stderr = &syncBuffer{}
	cmd.Stderr = e.stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("%w: fail to start ffmpeg: %w", ErrInitFailure, err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.exited = make(chan struct{})
	go func() {
		e.waitErr = cmd.Wait()
		close(e.exited)
	}()

	// device busy, missing audio input and codec errors show up right away
	select {
	case <-e.exited:
		e.stdin.Close()
		e.state = stateStopped
		return fmt.Errorf("%w: ffmpeg exited on start: %v: %s", ErrInitFailure, e.waitErr, e.stderr.String())
	case <-time.After(e.cfg.StartGrace):
	}

	watcher, err := startThresholdWatcher(e.log, e.output, e.maxDuration, e.maxFileSize, e.fire)
	if err != nil {
		e.kill()
		return fmt.Errorf("%w: %w", ErrInitFailure, err)
	}
	e.watcher = watcher
	e.state = stateRecording

	go e.monitor(e.exited)

	e.log.Info("ffmpeg started", "output", e.output, "pid", cmd.Process.Pid)
	return nil
}

func (e *FFmpeg) fire(t Threshold) {
	if e.onThreshold != nil {
		e.onThreshold(t)
	}
}

// monitor reports an ffmpeg process that dies on its own.
func (e *FFmpeg) monitor(exited <-chan struct{}) {
	<-exited
	if e.stopping.Load() {
		return
	}
	e.log.Error("ffmpeg exited while recording", "err", e.waitErr, "output", e.stderr.String())
	if e.onError != nil {
		e.onError(fmt.Errorf("%w: %v", ErrExited, e.waitErr))
	}
}

func (e *FFmpeg) Stop() error {
	if e.state != stateRecording {
		return errors.New("encoder is not recording")
	}
	e.state = stateStopped
	e.watcher.stop()
	e.stopping.Store(true)

	_, err := e.stdin.Write([]byte("q"))
	e.stdin.Close()
	if err != nil {
		e.log.Warn("fail to send quit to ffmpeg", "err", err)
	}

	select {
	case <-e.exited:
		if e.waitErr != nil {
			e.log.Warn("ffmpeg exited with error", "err", e.waitErr, "output", e.stderr.String())
		}
	case <-time.After(e.cfg.StopTimeout):
		e.log.Warn("ffmpeg didn't exit in time, force killing")
		e.kill()
	}

	if err := verifyOutputFile(e.output); err != nil {
		return fmt.Errorf("output file verification failed: %w", err)
	}

	e.log.Info("ffmpeg stopped", "output", e.output)
	return nil
}

func (e *FFmpeg) kill() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	e.stopping.Store(true)
	e.stdin.Close()
	select {
	case <-e.exited:
		return
	default:
	}
	if err := e.cmd.Process.Kill(); err != nil {
		e.log.Warn("fail to kill ffmpeg", "err", err)
	}
	<-e.exited
}

func (e *FFmpeg) Release() {
	if e.state == stateReleased {
		return
	}
	if e.watcher != nil {
		e.watcher.stop()
	}
	if e.state == stateRecording {
		e.kill()
	}
	e.state = stateReleased
}

func verifyOutputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("fail to stat output file: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("output file is empty")
	}
	return nil
}

// syncBuffer collects ffmpeg stderr written from the exec copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// keep the tail only, ffmpeg can be chatty over a 30 minute segment
	if b.buf.Len() > 64*1024 {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
