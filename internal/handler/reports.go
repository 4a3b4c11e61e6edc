package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/admission-engine/internal/metrics"
)

type ReportsHandler struct {
	reporter *metrics.Reporter
}

func NewReportsHandler(reporter *metrics.Reporter) *ReportsHandler {
	return &ReportsHandler{reporter: reporter}
}

// Hourly report; ?at=RFC3339 selects the hour, default now
func (h *ReportsHandler) Hourly(c *gin.Context) {
	report, err := h.reporter.Hourly(c.Request.Context(), h.at(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Daily report; ?at=RFC3339 selects the UTC day, default today
func (h *ReportsHandler) Daily(c *gin.Context) {
	report, err := h.reporter.Daily(c.Request.Context(), h.at(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Advisory denial-rate health signal
func (h *ReportsHandler) Health(c *gin.Context) {
	signal, err := h.reporter.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Always 200: the signal is advisory, not an outage
	c.JSON(http.StatusOK, signal)
}

func (h *ReportsHandler) at(c *gin.Context) time.Time {
	if raw := c.Query("at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now()
}
