package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dvr-worker-go/internal/events"
)

// Collector holds the worker's Prometheus metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	framesCaptured  prometheus.Counter
	captureErrors   *prometheus.CounterVec
	captureFPS      prometheus.Gauge
	framesEnqueued  prometheus.Counter
	framesRejected  prometheus.Counter
	queueDepth      prometheus.Gauge
	recordingActive prometheus.Gauge

	segmentsFinalized *prometheus.CounterVec
	segmentFrames     prometheus.Histogram
	segmentFPS        prometheus.Histogram
	recordErrors      *prometheus.CounterVec
	rotations         prometheus.Counter

	storageFreePercent prometheus.Gauge
	storageAvailable   prometheus.Gauge
	storageTotal       prometheus.Gauge
	lowStorage         prometheus.Counter
	evictions          prometheus.Counter
	evictedBytes       prometheus.Counter
	cleanupFailures    prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_frames_captured_total",
			Help: "Frames read from the camera",
		}),
		captureErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_capture_errors_total",
			Help: "Capture failures by severity",
		}, []string{"severity"}),
		captureFPS: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_capture_fps",
			Help: "Smoothed capture frame rate",
		}),
		framesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_frames_enqueued_total",
			Help: "Frames accepted by the encoder queue",
		}),
		framesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_frames_rejected_total",
			Help: "Frames refused by the encoder queue while recording",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_frame_queue_depth",
			Help: "Frames waiting for the encoder",
		}),
		recordingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_recording_active",
			Help: "1 while a recording session is open",
		}),

		segmentsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_segments_finalized_total",
			Help: "Segments closed, by result",
		}, []string{"result"}),
		segmentFrames: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dvr_segment_encoded_frames",
			Help:    "Encoded frames per finalized segment",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		}),
		segmentFPS: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dvr_segment_average_fps",
			Help:    "Average encoded frame rate per finalized segment",
			Buckets: []float64{1, 2, 4, 6, 8, 10, 15, 20, 30},
		}),
		recordErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_record_errors_total",
			Help: "Encoder and muxer failures by stage",
		}, []string{"stage"}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_segment_rotations_total",
			Help: "Segment rotations requested by the duration timer",
		}),

		storageFreePercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_storage_free_percent",
			Help: "Free space on the recording volume at the last low-storage check",
		}),
		storageAvailable: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_storage_available_bytes",
			Help: "Available bytes on the recording volume",
		}),
		storageTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_storage_total_bytes",
			Help: "Capacity of the recording volume",
		}),
		lowStorage: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_storage_low_total",
			Help: "Space checks that found the volume below threshold or unreadable",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_storage_evictions_total",
			Help: "Dated directories removed",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_storage_evicted_bytes_total",
			Help: "Bytes freed by eviction",
		}),
		cleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dvr_storage_cleanup_failures_total",
			Help: "Eviction attempts that failed",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) FrameCaptured(fps float64) {
	c.framesCaptured.Inc()
	c.captureFPS.Set(fps)
}

func (c *Collector) CaptureError(fatal bool) {
	if fatal {
		c.captureErrors.WithLabelValues("fatal").Inc()
		return
	}
	c.captureErrors.WithLabelValues("transient").Inc()
}

func (c *Collector) FrameEnqueued(accepted bool, depth int) {
	if accepted {
		c.framesEnqueued.Inc()
	} else {
		c.framesRejected.Inc()
	}
	c.queueDepth.Set(float64(depth))
}

// SetStorage records a successful space query.
func (c *Collector) SetStorage(available, total uint64, percent float64) {
	c.storageAvailable.Set(float64(available))
	c.storageTotal.Set(float64(total))
	c.storageFreePercent.Set(percent)
}

// Observe updates the event-driven metrics. Subscribe it to the bus.
func (c *Collector) Observe(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.RecordingStarted:
		c.recordingActive.Set(1)
	case events.RecordingStopped:
		c.recordingActive.Set(0)
	case events.SegmentFinalized:
		result := "ok"
		if p.Failed {
			result = "failed"
		}
		c.segmentsFinalized.WithLabelValues(result).Inc()
		c.segmentFrames.Observe(float64(p.EncodedFrames))
		c.segmentFPS.Observe(p.AverageFPS)
	case events.RecordError:
		stage := p.Stage
		if stage == "" {
			stage = "unknown"
		}
		c.recordErrors.WithLabelValues(stage).Inc()
		c.recordingActive.Set(0)
	case events.RotationDue:
		c.rotations.Inc()
	case events.LowStorage:
		c.lowStorage.Inc()
		c.SetStorage(p.AvailableBytes, p.TotalBytes, p.Percent)
	case events.CleanupCompleted:
		c.evictions.Inc()
		if p.FreedBytes > 0 {
			c.evictedBytes.Add(float64(p.FreedBytes))
		}
	case events.CleanupFailed:
		c.cleanupFailures.Inc()
	case events.CaptureError:
		c.CaptureError(p.Fatal)
	}
}
