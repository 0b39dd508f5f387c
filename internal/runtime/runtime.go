// Package runtime wires the caption pipeline to its transports and serves the
// HTTP control surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/capture"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/control"
	"github.com/loqalabs/loqa-caption/internal/coordinator"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/files"
	"github.com/loqalabs/loqa-caption/internal/model"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	upgrader       websocket.Upgrader
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	coord      *coordinator.Coordinator
	dispatcher *control.Dispatcher
	responder  *control.Responder
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	r.routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// setup brings up the bus, storage and pipeline in dependency order.
func (r *Runtime) setup(ctx context.Context) error {
	var conn *nats.Conn
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv

		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
		conn = client.Conn()
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	backend, err := model.NewBackend(r.cfg.Model)
	if err != nil {
		return err
	}
	devices, err := capture.RegistryFromConfig(r.cfg.Capture, conn, r.logger)
	if err != nil {
		return fmt.Errorf("capture devices: %w", err)
	}
	fileService, err := files.New(r.cfg.Files.ScratchDir, r.logger, r.cfg.Files.AllowedRoots...)
	if err != nil {
		return err
	}

	opts := coordinator.Options{
		Session:   model.NewSession(backend, r.logger),
		Devices:   devices,
		Defaults:  capture.DefaultsFromConfig(r.cfg.Capture, r.cfg.Model),
		Files:     fileService,
		ModelPath: r.cfg.Model.Path,
		Recorder:  store,
		Logger:    r.logger,
	}
	if r.bus != nil {
		opts.Publisher = r.bus
	}
	r.coord = coordinator.New(ctx, opts)
	r.dispatcher = control.NewDispatcher(r.coord, store, r.logger)

	if conn != nil {
		responder, err := control.ServeNATS(ctx, conn, r.dispatcher, 30*time.Second)
		if err != nil {
			return err
		}
		r.responder = responder
	}

	if r.cfg.Model.Autoload && r.cfg.Model.Path != "" {
		result := r.coord.Load(r.cfg.Model.Path)
		go func() {
			if err := <-result; err != nil {
				r.logger.Warn("model autoload failed", slog.String("path", r.cfg.Model.Path), slogError(err))
			}
		}()
	}
	return nil
}

func (r *Runtime) teardown() {
	if r.responder != nil {
		r.responder.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
