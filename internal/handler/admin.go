package handler

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// AdminHandler is the operational surface: catalog queries, per-key status,
// manual resets and blocks. Mutations are always logged with the operator.
type AdminHandler struct {
	catalog   *tier.Catalog
	evaluator *limiter.Evaluator
	resolver  *tier.Resolver
}

func NewAdminHandler(catalog *tier.Catalog, evaluator *limiter.Evaluator, resolver *tier.Resolver) *AdminHandler {
	return &AdminHandler{
		catalog:   catalog,
		evaluator: evaluator,
		resolver:  resolver,
	}
}

// Lists the tier catalog
func (h *AdminHandler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.catalog.List()})
}

// Compares the limits of two tiers
func (h *AdminHandler) CompareTiers(c *gin.Context) {
	from, okFrom := tier.Parse(c.Query("from"))
	to, okTo := tier.Parse(c.Query("to"))

	if !okFrom || !okTo {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Unknown tier name",
			"errorCode": string(limiter.CodeInvalidTier),
		})
		return
	}

	c.JSON(http.StatusOK, h.catalog.Compare(from, to))
}

// Returns the full counter record and resolved tier for a caller key
func (h *AdminHandler) KeyStatus(c *gin.Context) {
	key := c.Query("key")
	if !limiter.ValidKey(key) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid caller key",
			"errorCode": string(limiter.CodeInvalidKey),
		})
		return
	}

	ctx := c.Request.Context()

	status, err := h.evaluator.Status(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Status lookup failed",
			"errorCode": string(limiter.CodeOf(err)),
		})
		return
	}

	resolved := h.resolver.Resolve(ctx, key)

	if status == nil {
		c.JSON(http.StatusOK, gin.H{
			"key":      key,
			"tier":     resolved.String(),
			"counters": nil,
			"message":  "No traffic recorded for this key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":      key,
		"tier":     resolved.String(),
		"limits":   h.catalog.Get(resolved),
		"counters": status,
	})
}

// Resolves tiers for a batch of caller keys
func (h *AdminHandler) ResolveKeys(c *gin.Context) {
	raw := c.Query("keys")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "keys query parameter is required",
			"errorCode": string(limiter.CodeValidationError),
		})
		return
	}

	keys := strings.Split(raw, ",")
	resolved := h.resolver.ResolveBatch(c.Request.Context(), keys)

	out := make(map[string]string, len(resolved))
	for key, id := range resolved {
		out[key] = id.String()
	}

	c.JSON(http.StatusOK, gin.H{"tiers": out})
}

// Clears all counters and block state for a key
func (h *AdminHandler) ResetKey(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !limiter.ValidKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid caller key",
			"errorCode": string(limiter.CodeInvalidKey),
		})
		return
	}

	if err := h.evaluator.Reset(c.Request.Context(), req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Printf("counters reset for %s by %v", req.Key, c.GetString("email"))
	c.JSON(http.StatusOK, gin.H{"message": "Counters reset", "key": req.Key})
}

// Places a manual penalty block on a key
func (h *AdminHandler) BlockKey(c *gin.Context) {
	var req struct {
		Key             string `json:"key" binding:"required"`
		DurationSeconds int    `json:"duration_seconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !limiter.ValidKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid caller key",
			"errorCode": string(limiter.CodeInvalidKey),
		})
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.evaluator.Block(c.Request.Context(), req.Key, duration); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Printf("key %s blocked for %v by %v", req.Key, duration, c.GetString("email"))
	c.JSON(http.StatusOK, gin.H{"message": "Key blocked", "key": req.Key})
}

// Lifts a penalty block
func (h *AdminHandler) UnblockKey(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.evaluator.Unblock(c.Request.Context(), req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Printf("key %s unblocked by %v", req.Key, c.GetString("email"))
	c.JSON(http.StatusOK, gin.H{"message": "Key unblocked", "key": req.Key})
}
