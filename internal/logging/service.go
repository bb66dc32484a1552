package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dvr-worker-go/internal/config"
)

func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("worker_id", cfg.WorkerID).Str("service", service).Logger()
}

func WithDevice(base zerolog.Logger, devicePath string) zerolog.Logger {
	return base.With().Str("device", devicePath).Logger()
}

func WithSession(base zerolog.Logger, sessionID, path string) zerolog.Logger {
	return base.With().Str("session_id", sessionID).Str("path", path).Logger()
}
