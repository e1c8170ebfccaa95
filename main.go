package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tuzkov/dashcam/camera"
	"github.com/tuzkov/dashcam/ctlclient"
	"github.com/tuzkov/dashcam/encoder"
	"github.com/tuzkov/dashcam/metrics"
	"github.com/tuzkov/dashcam/server"
	"github.com/tuzkov/dashcam/service"
	"github.com/tuzkov/dashcam/session"
	"github.com/tuzkov/dashcam/status"
)

var loglevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:          "dashcam",
	Short:        "Segmented dashcam recorder",
	SilenceUsage: true,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run the recorder daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return entrypoint()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd.Context(), ctlclient.Client.Start)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd.Context(), ctlclient.Client.Stop)
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Close the current segment and start the next one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd.Context(), ctlclient.Client.Rotate)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a recording is in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus()
	},
}

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List recorded segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		segs, err := cli.Segments(cmd.Context())
		if err != nil {
			return err
		}
		for _, seg := range segs {
			fmt.Printf("%s\t%d\t%s\n", seg.Name, seg.Size, seg.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func initConfig() {
	home, _ := os.UserHomeDir()

	viper.SetDefault("loglevel", "info")
	viper.SetDefault("listen", "127.0.0.1:8090")
	viper.SetDefault("autostart", false)
	viper.SetDefault("storage.root", "~/dashcam")
	viper.SetDefault("runtime.dir", "~/.cache/dashcam")
	viper.SetDefault("camera.device", "/dev/video0")
	viper.SetDefault("camera.width", 0)
	viper.SetDefault("camera.height", 0)
	viper.SetDefault("camera.fps", 30)
	viper.SetDefault("encoder.binary", encoder.DefaultBinary)
	viper.SetDefault("encoder.audioDevice", encoder.DefaultAudioDevice)
	viper.SetDefault("encoder.quality", "high")
	viper.SetDefault("encoder.stopTimeout", encoder.DefaultStopTimeout)
	viper.SetDefault("limits.maxDuration", session.DefaultMaxDuration)
	viper.SetDefault("limits.maxFileSize", session.DefaultMaxFileSize)
	viper.SetDefault("preview.delay", 0)
	viper.SetDefault("hooks.failure", "")
	viper.SetDefault("hooks.foreground", "")

	viper.SetEnvPrefix("dashcam")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	if home != "" {
		viper.AddConfigPath(home + "/.config/dashcam")
	}
	viper.ReadInConfig()
}

func newLogger() *slog.Logger {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: loglevel,
	}))
	setLogLevel(viper.GetString("loglevel"))
	return log
}

func entrypoint() error {
	log := newLogger()

	cfg := getConfig()
	log.Info("Starting recorder", "addr", cfg.Addr, "loglevel", cfg.LogLevel, "storage", cfg.StorageRoot)
	log.Debug("config", "cfg", *cfg)

	pid, err := status.AcquirePID(cfg.RuntimeDir)
	if err != nil {
		return err
	}
	defer pid.Remove()

	srv, err := server.NewServer(log, cfg)
	if err != nil {
		return fmt.Errorf("fail to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("fail to listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	// the encoder may need its full stop timeout to finish the segment
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Encoder.StopTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("fail to shutdown: %w", err)
	}
	return nil
}

func getConfig() *server.Config {
	return &server.Config{
		Addr:      viper.GetString("listen"),
		LogLevel:  viper.GetString("loglevel"),
		AutoStart: viper.GetBool("autostart"),

		Config: service.Config{
			StorageRoot: viper.GetString("storage.root"),
			RuntimeDir:  expandHome(viper.GetString("runtime.dir")),
			Camera: camera.Config{
				Device: viper.GetString("camera.device"),
				Width:  viper.GetInt("camera.width"),
				Height: viper.GetInt("camera.height"),
				FPS:    viper.GetInt("camera.fps"),
			},
			Encoder: encoder.Config{
				Binary:      viper.GetString("encoder.binary"),
				AudioDevice: viper.GetString("encoder.audioDevice"),
				StopTimeout: viper.GetDuration("encoder.stopTimeout"),
			},
			Quality:      viper.GetString("encoder.quality"),
			MaxDuration:  viper.GetDuration("limits.maxDuration"),
			MaxFileSize:  viper.GetInt64("limits.maxFileSize"),
			PreviewDelay: viper.GetDuration("preview.delay"),
			Hooks: service.HookConfig{
				Failure:    viper.GetString("hooks.failure"),
				Foreground: viper.GetString("hooks.foreground"),
			},
			Metrics: metrics.New(),
		},
	}
}

func newClient() (ctlclient.Client, error) {
	return ctlclient.NewClient(newLogger(), &ctlclient.Config{
		Address: viper.GetString("listen"),
		Retries: 1,
	})
}

func control(ctx context.Context, call func(ctlclient.Client, context.Context) (*session.Status, error)) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	st, err := call(cli, ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

// printStatus reads the daemon's status file, it works without the HTTP API.
func printStatus() error {
	dir := expandHome(viper.GetString("runtime.dir"))
	recording, err := status.IsRecording(dir)
	if err != nil {
		return err
	}
	snap, err := status.Read(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return printJSON(struct {
		Recording bool `json:"recording"`
		status.Snapshot
	}{recording, snap})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}

func setLogLevel(level string) {
	level = strings.ToLower(level)
	switch level {
	case "debug":
		loglevel.Set(slog.LevelDebug)
	case "info":
		loglevel.Set(slog.LevelInfo)
	case "warn":
		loglevel.Set(slog.LevelWarn)
	case "error":
		loglevel.Set(slog.LevelError)
	default:
		slog.Warn("setLogLevel: unknown log level, using INFO instead", "level", level)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("listen", "l", "127.0.0.1:8090", "Daemon API address")
	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	rootCmd.PersistentFlags().String("loglevel", "info", "Log level (debug, info, warn, error)")
	viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("loglevel"))
	rootCmd.PersistentFlags().String("runtime", "~/.cache/dashcam", "Directory for the status and pid files")
	viper.BindPFlag("runtime.dir", rootCmd.PersistentFlags().Lookup("runtime"))

	recordCmd.Flags().StringP("storage", "s", "~/dashcam", "Storage root, segments go to <root>/video")
	viper.BindPFlag("storage.root", recordCmd.Flags().Lookup("storage"))
	recordCmd.Flags().StringP("device", "d", "/dev/video0", "V4L2 camera device")
	viper.BindPFlag("camera.device", recordCmd.Flags().Lookup("device"))
	recordCmd.Flags().Bool("autostart", false, "Start recording as soon as the daemon is up")
	viper.BindPFlag("autostart", recordCmd.Flags().Lookup("autostart"))

	rootCmd.AddCommand(recordCmd, startCmd, stopCmd, rotateCmd, statusCmd, segmentsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
