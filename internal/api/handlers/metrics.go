package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MetricsHandler serves the Prometheus registry. refresh, when set, runs
// before each scrape to update gauges that are only sampled on demand.
func MetricsHandler(h http.Handler, refresh func()) gin.HandlerFunc {
	wrapped := gin.WrapH(h)
	return func(c *gin.Context) {
		if refresh != nil {
			refresh()
		}
		wrapped(c)
	}
}
