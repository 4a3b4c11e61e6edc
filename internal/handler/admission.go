package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check is the terminal handler of the evaluated surface. Reaching it means
// the admission middleware allowed the request; the decision details are
// already on the response headers.
func Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"tier":      c.GetString("tier"),
		"endpoint":  c.Param("endpoint"),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
