package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/events"
	"dvr-worker-go/internal/logging"
	"dvr-worker-go/internal/metrics"
	"dvr-worker-go/internal/services/camera"
	"dvr-worker-go/internal/services/catalog"
	"dvr-worker-go/internal/services/messaging"
	"dvr-worker-go/internal/services/publisher"
	"dvr-worker-go/internal/services/recorder"
	"dvr-worker-go/internal/services/storage"
)

// ServiceContainer holds all services
type ServiceContainer struct {
	Config        *config.Config
	Bus           *events.Bus
	Metrics       *metrics.Collector
	Storage       *storage.Service
	Recorder      *recorder.Engine
	Preview       *publisher.Service
	Catalog       *catalog.Service
	CameraManager *camera.Manager
	// Messaging is nil when NATS is disabled or unreachable at startup.
	Messaging *messaging.Service

	unsub []func()
}

// NewServiceContainer wires the services together. Nothing touches the
// camera or the disk until Start.
func NewServiceContainer(cfg *config.Config) (*ServiceContainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bus := events.NewBus()
	collector := metrics.NewCollector()

	sc := &ServiceContainer{
		Config:  cfg,
		Bus:     bus,
		Metrics: collector,
	}
	sc.unsub = append(sc.unsub, bus.Subscribe(collector.Observe))

	sc.Storage = storage.NewService(cfg, bus, logging.NewServiceLogger(cfg, "storage"))

	recLogger := logging.NewServiceLogger(cfg, "recorder")
	sc.Recorder = recorder.NewEngine(recorder.Options{
		Params: recorder.EncoderParams{
			TimeBase: cfg.RecordTimeBase,
			BitRate:  cfg.RecordBitRate,
			Preset:   cfg.RecordPreset,
			Tune:     cfg.RecordTune,
			GOPSize:  cfg.RecordTimeBase * 2, // a keyframe every two seconds
		},
		SegmentDuration: cfg.SegmentDuration,
		QueueSize:       cfg.FrameQueueSize,
		QueuePolicy:     recorder.ParseOverflowPolicy(cfg.FrameQueuePolicy),
	}, recorder.NewPipelineFactory(cfg.EncoderBackend, cfg.FFmpegPath, recLogger), bus, recLogger)

	sc.Preview = publisher.NewService(cfg, logging.NewServiceLogger(cfg, "preview"))
	sc.Catalog = catalog.NewService(sc.Storage, logging.NewServiceLogger(cfg, "catalog"))

	camLogger := logging.NewServiceLogger(cfg, "camera")
	sc.CameraManager = camera.NewManager(camera.Deps{
		Config:    cfg,
		NewSource: camera.NewSourceFactory(cfg, camLogger),
		Recorder:  sc.Recorder,
		Storage:   sc.Storage,
		Sink:      sc.Preview,
		Bus:       bus,
		Metrics:   collector,
		Logger:    camLogger,
	})

	if cfg.NatsEnabled {
		sc.setupMessaging()
	}

	return sc, nil
}

// setupMessaging connects to NATS. The worker keeps running without it.
func (sc *ServiceContainer) setupMessaging() {
	msg, err := messaging.NewService(sc.Config)
	if err != nil {
		log.Warn().Err(err).Str("url", sc.Config.NatsURL).Msg("NATS unavailable, events stay local")
		return
	}
	sc.Messaging = msg
	sc.unsub = append(sc.unsub, msg.Forward(sc.Bus))
	sc.registerCommands(msg)
	if err := msg.ServeControl(); err != nil {
		log.Warn().Err(err).Msg("Remote control disabled")
	}
}

func (sc *ServiceContainer) registerCommands(msg *messaging.Service) {
	mgr := sc.CameraManager
	st := sc.Storage

	msg.Handle("camera.start", func(messaging.Command) (interface{}, error) {
		if err := mgr.StartCapture(); err != nil {
			return nil, err
		}
		return mgr.CameraStatus(), nil
	})
	msg.Handle("camera.stop", func(messaging.Command) (interface{}, error) {
		mgr.StopCapture()
		return mgr.CameraStatus(), nil
	})
	msg.Handle("camera.status", func(messaging.Command) (interface{}, error) {
		return mgr.CameraStatus(), nil
	})
	msg.Handle("recording.start", func(messaging.Command) (interface{}, error) {
		path, err := mgr.StartRecording()
		if err != nil {
			return nil, err
		}
		return map[string]string{"path": path}, nil
	})
	msg.Handle("recording.stop", func(messaging.Command) (interface{}, error) {
		path, err := mgr.StopRecording()
		if err != nil {
			return nil, err
		}
		return map[string]string{"path": path}, nil
	})
	msg.Handle("recording.status", func(messaging.Command) (interface{}, error) {
		return mgr.RecordingStatus(), nil
	})
	msg.Handle("storage.check", func(messaging.Command) (interface{}, error) {
		st.CheckSpace()
		return st.Status(), nil
	})
	msg.Handle("storage.cleanup", func(messaging.Command) (interface{}, error) {
		if !st.CleanupOldestDay() {
			return nil, errors.New("nothing was removed")
		}
		return st.Status(), nil
	})
	msg.Handle("storage.threshold", func(cmd messaging.Command) (interface{}, error) {
		p, err := strconv.Atoi(cmd.Params["percent"])
		if err != nil {
			return nil, fmt.Errorf("percent: %w", err)
		}
		st.SetMinFreeSpacePercent(p)
		return map[string]int{"min_free_percent": st.MinFreeSpacePercent()}, nil
	})
}

// Start begins periodic storage checks and, if configured, opens the camera.
// A camera that fails to open leaves the worker up in a degraded state.
func (sc *ServiceContainer) Start() {
	sc.Storage.StartAutoCheck(sc.Config.StorageCheckInterval)

	if sc.Config.AutoStartCapture {
		if err := sc.CameraManager.StartCapture(); err != nil {
			log.Error().Err(err).Str("device", sc.Config.CameraDevice).Msg("Camera did not start")
		}
	}
}

// RefreshStorageMetrics copies the last space report into the gauges.
func (sc *ServiceContainer) RefreshStorageMetrics() {
	if r := sc.Storage.Status().LastReport; r != nil {
		sc.Metrics.SetStorage(r.AvailableBytes, r.TotalBytes, r.FreePercent)
	}
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var errs []error

	if sc.CameraManager != nil {
		if err := sc.CameraManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("camera: %w", err))
		}
	}
	if sc.Recorder != nil {
		if err := sc.Recorder.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}
	if sc.Storage != nil {
		sc.Storage.StopAutoCheck()
	}

	for _, unsub := range sc.unsub {
		unsub()
	}

	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("messaging: %w", err))
		}
	}

	return errors.Join(errs...)
}
