// Package app wires the try-on service together: storage, the overlay
// catalog, session management, event publication and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ayusman/tryon/internal/capture"
	"github.com/ayusman/tryon/internal/catalog"
	"github.com/ayusman/tryon/internal/config"
	"github.com/ayusman/tryon/internal/detector"
	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/recommend"
	"github.com/ayusman/tryon/internal/server"
	"github.com/ayusman/tryon/internal/session"
	"github.com/ayusman/tryon/internal/store"
)

// App is the main application that owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	catalog     *catalog.Catalog
	recommender *recommend.Recommender
	bus         *events.Bus
	mqtt        *events.MQTTPublisher
	manager     *session.Manager
	server      *server.Server

	closeOnce sync.Once
}

// SessionOptions converts the configuration into session options.
func SessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()

	opts.Camera = capture.Constraints{
		DeviceID: cfg.Camera.DeviceID,
		Width:    cfg.Camera.Width,
		Height:   cfg.Camera.Height,
		FPS:      cfg.Camera.FPS,
		Facing:   capture.Facing(cfg.Camera.FacingMode),
	}
	opts.Model.IrisRefinement = cfg.Model.IrisRefinement
	opts.Model.MaxFaces = cfg.Model.MaxFaces
	opts.Calibration = pose.Calibration{
		ReferenceEyeDistance: cfg.Calibration.ReferenceEyeDistance,
		ScaleX:               cfg.Calibration.ScaleX,
		ScaleY:               cfg.Calibration.ScaleY,
		OffsetX:              cfg.Calibration.OffsetX,
		OffsetY:              cfg.Calibration.OffsetY,
		Depth:                cfg.Calibration.Depth,
	}

	opts.Width = cfg.Render.Width
	opts.Height = cfg.Render.Height
	opts.Background = cfg.Render.Background
	opts.Render.RefreshHz = cfg.Render.RefreshHz
	opts.Render.FOV = cfg.Render.FOV
	opts.Render.CameraZ = cfg.Render.CameraZ
	opts.Render.Mirror = cfg.Render.Mirror

	opts.TrackingPeriod = cfg.Tracking.Period
	opts.SkipStillFrames = cfg.Tracking.SkipStillFrames
	opts.StillThreshold = cfg.Tracking.StillThreshold
	return opts
}

// New opens the store and builds every component. Nil fields of deps use
// the real camera and face mesh.
func New(cfg *config.Config, logger *slog.Logger, deps session.Deps) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		bus:    events.NewBus(logger),
	}

	if deps.Detector == nil {
		fm := detector.FaceMeshConfig{
			Script:      cfg.Model.Script,
			Python:      cfg.Model.Python,
			LoadTimeout: cfg.Model.LoadTimeout,
			Logger:      logger,
		}
		deps.Detector = func() detector.Detector { return detector.NewFaceMesh(fm) }
	}
	deps.Events = a.bus
	deps.Logger = logger
	a.manager = session.NewManager(SessionOptions(cfg), deps)

	a.catalog, err = catalog.New(cfg.Overlays.Dir, st, a.manager, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.MQTT.Enabled() {
		a.mqtt = events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Logger:      logger,
		})
	}

	a.recommender = recommend.New(st.Overlays(), deps.Loader, logger)

	a.server = server.New(server.Config{
		StaticDir:   cfg.Server.StaticDir,
		UploadDir:   cfg.Server.UploadDir,
		Store:       st,
		Catalog:     a.catalog,
		Recommender: a.recommender,
		Sessions:    a.manager,
		Events:      a.bus,
		Logger:      logger,
	})

	return a, nil
}

// Run loads the catalog, restores the selected overlay, starts event
// forwarding and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Overlays.Watch {
		if err := a.catalog.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch overlays: %w", err)
		}
	} else if _, err := a.catalog.Scan(); err != nil {
		return fmt.Errorf("failed to scan overlays: %w", err)
	}

	o, err := a.catalog.Restore(ctx, a.cfg.Overlays.Default)
	switch {
	case err == nil:
		a.logger.Info("overlay selected", "id", o.ID, "name", o.Name)
	case errors.Is(err, catalog.ErrNoSelection):
		a.logger.Info("no overlay selected")
	default:
		a.logger.Warn("failed to restore overlay", "error", err)
	}

	if a.mqtt != nil {
		// Event forwarding is optional; the service runs without a broker.
		if err := a.mqtt.Connect(ctx); err != nil {
			a.logger.Warn("mqtt unavailable", "broker", a.cfg.MQTT.Broker, "error", err)
		} else {
			go a.mqtt.Run(ctx, a.bus)
		}
	}

	return a.server.ListenAndServe(ctx, a.cfg.Server.Addr)
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Bus returns the event bus.
func (a *App) Bus() *events.Bus {
	return a.bus
}

// Store returns the overlay store.
func (a *App) Store() *store.Store {
	return a.store
}

// Handler returns the HTTP surface without listening.
func (a *App) Handler() http.Handler {
	return a.server
}

// URL returns the local address of the web UI.
func (a *App) URL() string {
	host, port, err := net.SplitHostPort(a.cfg.Server.Addr)
	if err != nil {
		return "http://" + a.cfg.Server.Addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// Controller adapts the session manager to a start/stop toggle.
func (a *App) Controller() Controller {
	return Controller{manager: a.manager}
}

// Controller starts and stops sessions for the tray.
type Controller struct {
	manager *session.Manager
}

// Start opens a session in the background.
func (c Controller) Start() { c.manager.Start() }

// Stop closes the running session.
func (c Controller) Stop() { c.manager.Stop() }

// Running reports whether a session is loading or active.
func (c Controller) Running() bool { return c.manager.Running() }

// Close stops the session and releases every component. It is safe to call
// more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.manager.Close()
		if cerr := a.catalog.Close(); cerr != nil {
			err = cerr
		}
		a.recommender.Close()
		if a.mqtt != nil {
			a.mqtt.Disconnect()
		}
		a.bus.Close()
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
