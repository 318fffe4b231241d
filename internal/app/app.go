// Package app assembles the engine from a config: directory, frame source,
// detectors, reference store, orchestrator, frame cache and publisher.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/parkwatch/internal/api"
	"github.com/dj-oyu/parkwatch/internal/config"
	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/detector/httpdetector"
	"github.com/dj-oyu/parkwatch/internal/detector/onnx"
	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/framecache"
	"github.com/dj-oyu/parkwatch/internal/framesource"
	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/notify"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
	"github.com/dj-oyu/parkwatch/internal/reference"
	"github.com/dj-oyu/parkwatch/internal/vms"
)

const (
	retryBase      = 200 * time.Millisecond
	healthDeadline = 3 * time.Second
)

// App owns every long-lived component. Close releases them in reverse order
// of construction.
type App struct {
	Config       config.Config
	Metrics      *metrics.Metrics
	Orchestrator *fleet.Orchestrator
	Store        reference.Store
	Cache        framecache.Cache
	Notifier     *notify.Notifier // nil when MQTT is disabled

	closers []func()
	log     *logger.ModuleLogger
}

// Build wires the engine. On error everything built so far is closed.
func Build(ctx context.Context, cfg config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{
		Config:  cfg,
		Metrics: metrics.New(),
		log:     logger.For("App"),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	policy := occupancy.Policy{
		Threshold:      cfg.Occupancy.Threshold,
		VehicleClasses: cfg.Occupancy.VehicleClasses,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if a.Store, err = a.buildStore(ctx); err != nil {
		return nil, err
	}
	if a.Cache, err = a.buildCache(ctx); err != nil {
		return nil, err
	}

	calDet, err := a.buildDetector(ctx, "calibration", cfg.Detector.Calibration)
	if err != nil {
		return nil, err
	}
	liveDet := calDet
	if cfg.Detector.Live != cfg.Detector.Calibration {
		if liveDet, err = a.buildDetector(ctx, "live", cfg.Detector.Live); err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{Timeout: cfg.VMS.Timeout}
	var creds vms.CredentialCache
	if cfg.VMS.TokenCache != "" {
		creds = vms.NewFileCredentialCache(cfg.VMS.TokenCache)
	}
	session := vms.NewSession(cfg.VMS.BaseURL, cfg.VMS.Login, cfg.VMS.Password, httpClient, creds)
	client := vms.NewClient(cfg.VMS.BaseURL, httpClient, vms.WithRetry(cfg.VMS.Retries, retryBase))
	directory := vms.NewDirectory(client, session, cfg.VMS.Playlist)

	a.Orchestrator = fleet.New(
		directory,
		framesource.NewFFmpeg(cfg.Frames.FFmpeg, cfg.Frames.Timeout),
		occupancy.NewCalibrator(calDet, a.Store, policy),
		occupancy.NewEvaluator(liveDet, a.Store, policy),
		a.Metrics,
	)

	if cfg.MQTT.Broker != "" {
		n, err := notify.Connect(notify.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		a.Notifier = n
		a.closers = append(a.closers, n.Close)
	}

	a.log.Info("Playlist %q at %s, references in %s, cache %s",
		cfg.VMS.Playlist, cfg.VMS.BaseURL, cfg.Reference.Backend, cfg.Cache.Backend)
	return a, nil
}

// Publisher returns the notifier as an api.ResultPublisher, or nil when
// publishing is disabled.
func (a *App) Publisher() api.ResultPublisher {
	if a.Notifier == nil {
		return nil
	}
	return a.Notifier
}

// APIConfig derives the delivery-layer settings.
func (a *App) APIConfig() api.Config {
	cfg := api.DefaultConfig()
	cfg.CacheTTL = a.Config.Cache.TTL
	return cfg
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) buildStore(ctx context.Context) (reference.Store, error) {
	rc := a.Config.Reference
	switch rc.Backend {
	case "postgres":
		if err := reference.Migrate(ctx, rc.DatabaseURL); err != nil {
			return nil, err
		}
		pg, err := reference.OpenPostgres(ctx, rc.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	default:
		return reference.NewFileStore(rc.Dir)
	}
}

func (a *App) buildCache(ctx context.Context) (framecache.Cache, error) {
	cc := a.Config.Cache
	if cc.Backend != "redis" {
		return framecache.NewMemoryCache(), nil
	}
	r, err := framecache.NewRedisCache(ctx, cc.Addr, cc.Password, cc.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = r.Close() })
	return r, nil
}

func (a *App) buildDetector(ctx context.Context, role string, bc config.BackendConfig) (detector.Detector, error) {
	switch bc.Type {
	case "onnx":
		d, err := onnx.New(onnx.Config{
			ModelPath:   bc.ModelPath,
			LibraryPath: bc.LibraryPath,
			PoolSize:    bc.PoolSize,
			Confidence:  bc.Confidence,
		})
		if err != nil {
			return nil, fmt.Errorf("%s detector: %w", role, err)
		}
		a.closers = append(a.closers, d.Close)
		return d, nil
	default:
		c := httpdetector.New(bc.URL, bc.Timeout)
		hctx, cancel := context.WithTimeout(ctx, healthDeadline)
		defer cancel()
		// Not fatal; per-camera detector failures show up in batch reports.
		if err := c.CheckHealth(hctx); err != nil {
			a.log.Warn("%s detector at %s not healthy yet: %v", role, bc.URL, err)
		}
		return c, nil
	}
}
