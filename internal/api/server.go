package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"dvr-worker-go/internal/api/handlers"
	"dvr-worker-go/internal/api/middleware"
	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/services"
)

type Server struct {
	config    *config.Config
	router    *gin.Engine
	server    *http.Server
	container *services.ServiceContainer

	healthHandler     *handlers.HealthHandler
	systemHandler     *handlers.SystemHandler
	cameraHandler     *handlers.CameraHandler
	recordingHandler  *handlers.RecordingHandler
	storageHandler    *handlers.StorageHandler
	recordingsHandler *handlers.RecordingsHandler
}

func NewServer(cfg *config.Config, container *services.ServiceContainer) *Server {
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var connected func() bool
	if container.Messaging != nil {
		connected = container.Messaging.IsConnected
	}

	s := &Server{
		config:            cfg,
		router:            gin.New(),
		container:         container,
		healthHandler:     handlers.NewHealthHandler(cfg.WorkerID, cfg.Version, container.CameraManager, connected),
		systemHandler:     handlers.NewSystemHandler(cfg.WorkerID, cfg.Version),
		cameraHandler:     handlers.NewCameraHandler(container.CameraManager, container.Preview),
		recordingHandler:  handlers.NewRecordingHandler(container.CameraManager),
		storageHandler:    handlers.NewStorageHandler(container.Storage),
		recordingsHandler: handlers.NewRecordingsHandler(container.Catalog),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.RequestContext(),
		middleware.Logger(),
		middleware.CORS(),
	)
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("Starting DVR worker API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping DVR worker API")
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}
