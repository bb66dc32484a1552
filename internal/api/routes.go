package api

import "dvr-worker-go/internal/api/handlers"

func (s *Server) setupRoutes() {
	metrics := handlers.MetricsHandler(s.container.Metrics.Handler(), s.container.RefreshStorageMetrics)

	s.router.GET("/health", s.healthHandler.HealthCheck)
	s.router.GET("/metrics", metrics)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthHandler.HealthCheck)
		v1.GET("/metrics", metrics)

		system := v1.Group("/system")
		{
			system.GET("/info", s.systemHandler.GetInfo)
		}

		camera := v1.Group("/camera")
		{
			camera.POST("/start", s.cameraHandler.Start)
			camera.POST("/stop", s.cameraHandler.Stop)
			camera.GET("/status", s.cameraHandler.Status)
			camera.GET("/snapshot", s.cameraHandler.Snapshot)
		}

		recording := v1.Group("/recording")
		{
			recording.POST("/start", s.recordingHandler.Start)
			recording.POST("/stop", s.recordingHandler.Stop)
			recording.GET("/status", s.recordingHandler.Status)
		}

		storage := v1.Group("/storage")
		{
			storage.GET("", s.storageHandler.Get)
			storage.POST("/check", s.storageHandler.Check)
			storage.POST("/cleanup", s.storageHandler.Cleanup)
			storage.PUT("/threshold", s.storageHandler.SetThreshold)
		}

		recordings := v1.Group("/recordings")
		{
			recordings.GET("", s.recordingsHandler.ListDays)
			recordings.GET("/:date", s.recordingsHandler.ListDay)
		}
	}
}
