package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/tuzkov/dashcam/service"
	"github.com/tuzkov/dashcam/session"
	"github.com/tuzkov/dashcam/storage"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

type Server interface {
	Start() error
	// Shutdown stops accepting requests and tears the recorder down.
	Shutdown(ctx context.Context) error
}

type server struct {
	log *slog.Logger
	cfg *Config

	svc      service.RecorderService
	http     *http.Server
	upgrader websocket.Upgrader
}

type Config struct {
	service.Config

	Addr     string `validate:"required"`
	LogLevel string
	// AutoStart begins a recording run as soon as the daemon is up.
	AutoStart bool
}

// Validate checks the listen address along with the recorder config.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func NewServer(log *slog.Logger, cfg *Config) (Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	svc, err := service.NewService(log, &cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("fail to create service: %w", err)
	}
	return newServer(log, cfg, svc)
}

func newServer(log *slog.Logger, cfg *Config, svc service.RecorderService) (*server, error) {
	store, err := storage.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("fail to open storage: %w", err)
	}

	srv := &server{
		log: log.With("svc", "server"),
		cfg: cfg,
		svc: svc,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", srv.handleStatus)
	mux.HandleFunc("POST /start", srv.handleStart)
	mux.HandleFunc("POST /stop", srv.handleStop)
	mux.HandleFunc("POST /rotate", srv.handleRotate)
	mux.HandleFunc("GET /segments", srv.handleSegments)
	mux.HandleFunc("GET /events", srv.handleEvents)
	mux.Handle("/files/",
		http.StripPrefix("/files/",
			http.FileServer(http.Dir(store.Dir()))))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	srv.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

func (srv *server) Start() error {
	if srv.cfg.AutoStart {
		if _, err := srv.svc.Start(context.Background()); err != nil {
			return fmt.Errorf("fail to start recording: %w", err)
		}
	}

	srv.log.Info("listening", "addr", srv.cfg.Addr)
	err := srv.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *server) Shutdown(ctx context.Context) error {
	// recording first, a hung client must not keep the camera open
	svcErr := srv.svc.Close(ctx)
	if err := srv.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("fail to shutdown http server: %w", err)
	}
	return svcErr
}

func (srv *server) handleStatus(w http.ResponseWriter, req *http.Request) {
	st, err := srv.svc.Status(req.Context())
	srv.reply(w, st, err)
}

func (srv *server) handleStart(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("start call")
	st, err := srv.svc.Start(req.Context())
	srv.reply(w, st, err)
}

func (srv *server) handleStop(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("stop call")
	st, err := srv.svc.Stop(req.Context())
	srv.reply(w, st, err)
}

func (srv *server) handleRotate(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("rotate call")
	st, err := srv.svc.Rotate(req.Context())
	srv.reply(w, st, err)
}

func (srv *server) handleSegments(w http.ResponseWriter, req *http.Request) {
	segs, err := srv.svc.Segments(req.Context())
	srv.reply(w, segs, err)
}

// handleEvents pushes the current status and then every change over a websocket.
func (srv *server) handleEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, req, nil)
	if err != nil {
		srv.log.Warn("fail to upgrade events connection", "err", err)
		return
	}
	defer conn.Close()
	srv.log.Info("events client connected", "remote", req.RemoteAddr)

	updates, cancel := srv.svc.Subscribe()
	defer cancel()

	// reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	st, err := srv.svc.Status(req.Context())
	if err == nil {
		if err := srv.send(conn, st); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			srv.log.Info("events client gone", "remote", req.RemoteAddr)
			return
		case st, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := srv.send(conn, st); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (srv *server) send(conn *websocket.Conn, st session.Status) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(st); err != nil {
		srv.log.Debug("fail to send event", "err", err)
		return err
	}
	return nil
}

func (srv *server) reply(w http.ResponseWriter, body any, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrClosed) || errors.Is(err, session.ErrSessionClosed) {
			code = http.StatusServiceUnavailable
		}
		srv.log.Error("request failed", "err", err)
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		srv.log.Error("response write error", "err", err)
	}
}
