package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version     string
	Environment string
	WorkerID    string
	Port        int
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// NATS (event fan-out and remote control)
	// Default: nats://localhost:4222
	// Docker: Use nats://nats:4222 if running worker in Docker
	NatsEnabled        bool
	NatsURL            string
	NatsSubjectPrefix  string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown

	// Capture
	CameraDevice       string
	CaptureBackend     string // v4l2 or opencv
	CaptureWidth       int
	CaptureHeight      int
	CaptureFPS         int
	CapturePixelFormat string
	CaptureBufferCount int
	AutoStartCapture   bool

	// Recording
	EncoderBackend  string // astiav or ffmpeg
	FFmpegPath      string
	RecordBitRate   int64
	RecordTimeBase  int // frames per second of the container time base (1/N)
	RecordPreset    string
	RecordTune      string
	SegmentDuration time.Duration

	// Frame queue between capture and encoder
	FrameQueueSize   int
	FrameQueuePolicy string // drop-oldest or reject

	// Storage
	StoragePath               string
	MinFreeSpacePercent       int
	StorageCheckInterval      time.Duration
	StorageMaxEvictionsPerRun int

	// Display preview
	PreviewJPEGQuality int

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		WorkerID:    getEnv("WORKER_ID", "dvr-1"),
		Port:        getEnvInt("PORT", 8090),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8081),

		NatsEnabled:        getEnvBool("NATS_ENABLED", false),
		NatsURL:            getNatsURL(),
		NatsSubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "dvr"),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 5*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1),
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),

		CameraDevice:       getEnv("CAMERA_DEVICE", "/dev/video0"),
		CaptureBackend:     strings.ToLower(getEnv("CAPTURE_BACKEND", "v4l2")),
		CaptureWidth:       getEnvInt("CAPTURE_WIDTH", 800),
		CaptureHeight:      getEnvInt("CAPTURE_HEIGHT", 600),
		CaptureFPS:         getEnvInt("CAPTURE_FPS", 30),
		CapturePixelFormat: strings.ToUpper(getEnv("CAPTURE_PIXEL_FORMAT", "RGB565")),
		CaptureBufferCount: getEnvInt("CAPTURE_BUFFER_COUNT", 3),
		AutoStartCapture:   getEnvBool("AUTO_START_CAPTURE", true),

		EncoderBackend:  strings.ToLower(getEnv("ENCODER_BACKEND", "astiav")),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		RecordBitRate:   int64(getEnvInt("RECORD_BITRATE", 800000)),
		RecordTimeBase:  getEnvInt("RECORD_TIMEBASE_DEN", 8),
		RecordPreset:    getEnv("RECORD_PRESET", "ultrafast"),
		RecordTune:      getEnv("RECORD_TUNE", "zerolatency"),
		SegmentDuration: getEnvDuration("SEGMENT_DURATION", 30*time.Minute),

		FrameQueueSize:   getEnvInt("FRAME_QUEUE_SIZE", 64),
		FrameQueuePolicy: strings.ToLower(getEnv("FRAME_QUEUE_POLICY", "drop-oldest")),

		StoragePath:               getEnv("STORAGE_PATH", "/mnt/TFcard"),
		MinFreeSpacePercent:       ClampPercent(getEnvInt("MIN_FREE_SPACE_PERCENT", 10)),
		StorageCheckInterval:      getEnvDuration("STORAGE_CHECK_INTERVAL", time.Hour),
		StorageMaxEvictionsPerRun: getEnvInt("STORAGE_MAX_EVICTIONS_PER_CHECK", 1),

		PreviewJPEGQuality: getEnvInt("PREVIEW_JPEG_QUALITY", 80),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate reports settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		return fmt.Errorf("invalid capture size %dx%d", c.CaptureWidth, c.CaptureHeight)
	}
	if c.CaptureFPS <= 0 {
		return fmt.Errorf("invalid capture fps %d", c.CaptureFPS)
	}
	if c.CaptureBufferCount < 2 {
		return fmt.Errorf("capture buffer count must be at least 2, got %d", c.CaptureBufferCount)
	}
	if c.RecordTimeBase <= 0 {
		return fmt.Errorf("invalid record time base 1/%d", c.RecordTimeBase)
	}
	if c.FrameQueueSize < 0 {
		return fmt.Errorf("invalid frame queue size %d", c.FrameQueueSize)
	}
	switch c.CaptureBackend {
	case "v4l2", "opencv":
	default:
		return fmt.Errorf("unknown capture backend %q", c.CaptureBackend)
	}
	switch c.EncoderBackend {
	case "astiav", "ffmpeg":
	default:
		return fmt.Errorf("unknown encoder backend %q", c.EncoderBackend)
	}
	switch c.FrameQueuePolicy {
	case "drop-oldest", "reject":
	default:
		return fmt.Errorf("unknown frame queue policy %q", c.FrameQueuePolicy)
	}
	if c.StorageMaxEvictionsPerRun < 1 {
		c.StorageMaxEvictionsPerRun = 1
	}
	c.MinFreeSpacePercent = ClampPercent(c.MinFreeSpacePercent)
	return nil
}

// ClampPercent bounds p to [0,100].
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}
	if isRunningInDocker() {
		return "nats://nats:4222"
	}
	return "nats://localhost:4222"
}
