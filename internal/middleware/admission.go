package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/admission-engine/internal/config"
	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/metrics"
	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// CallerKeyHeader carries the caller identity supplied by the upstream
// request layer. Requests without it fall back to an ip: key.
const CallerKeyHeader = "X-Caller-Key"

// Admission is the per-request decision middleware: caller key validation,
// whitelist/blacklist, tier resolution, atomic evaluation, rate limit
// headers and the structured 429 body. The concurrency slot acquired by the
// evaluation is released on every exit path of the wrapped request.
func Admission(resolver *tier.Resolver, evaluator *limiter.Evaluator, recorder *metrics.Recorder, cfg config.AdmissionConfig) gin.HandlerFunc {
	whitelist := toSet(cfg.Whitelist)
	blacklist := toSet(cfg.Blacklist)

	return func(c *gin.Context) {
		start := time.Now()

		key := c.GetHeader(CallerKeyHeader)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !limiter.ValidKey(key) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "Invalid caller key",
				"errorCode": string(limiter.CodeInvalidKey),
				"message":   "caller key must start with wallet:, ip:, combined: or apikey:",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Set("caller_key", key)

		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}

		if _, ok := blacklist[key]; ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":     "Caller is blocked",
				"errorCode": string(limiter.CodeBlocked),
				"message":   "this caller key has been blocked, contact support",
				"details":   gin.H{"suggestion": "contact_support"},
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		// When mounted on the check surface the wildcard param is the
		// logical endpoint being admitted; otherwise the raw path is.
		endpoint := c.Param("endpoint")
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		ctx := c.Request.Context()

		resolved := resolver.Resolve(ctx, key)
		c.Set("tier", resolved.String())

		decision, limits := evaluator.Evaluate(ctx, key, endpoint, resolved)

		if decision.Acquired {
			// The request context may already be canceled when the
			// client gave up; the slot still has to come back.
			releaseCtx := context.WithoutCancel(ctx)
			defer evaluator.Release(releaseCtx, key)
		}

		setRateLimitHeaders(c, resolved, limits, decision)

		defer func() {
			recorder.Record(models.AdmissionLog{
				Timestamp:  start.UTC(),
				CallerKey:  key,
				Endpoint:   endpoint,
				Tier:       resolved.String(),
				Allowed:    decision.Allowed,
				Reason:     string(decision.Reason),
				FailedOpen: decision.FailedOpen,
				LatencyUs:  int(time.Since(start).Microseconds()),
			})
		}()

		if !decision.Allowed {
			denyRequest(c, resolved, limits, decision)
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, id tier.ID, limits tier.Limits, decision *limiter.Decision) {
	snap := decision.Snapshot

	c.Header("X-RateLimit-Tier", id.String())
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limits.MaxRequests))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", clamp(limits.MaxRequests-snap.WindowCount)))
	if !snap.WindowReset.IsZero() {
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", snap.WindowReset.Unix()))
	}
	c.Header("X-RateLimit-Daily-Limit", fmt.Sprintf("%d", limits.DailyLimit))
	c.Header("X-RateLimit-Daily-Remaining", fmt.Sprintf("%d", clamp(limits.DailyLimit-snap.DailyCount)))
}

func denyRequest(c *gin.Context, id tier.ID, limits tier.Limits, decision *limiter.Decision) {
	code := decision.Reason.Code()
	retryAfter := int(decision.RetryAfter.Seconds())

	status := http.StatusTooManyRequests
	if code == limiter.CodeDatabaseError {
		status = http.StatusInternalServerError
	}

	if retryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	}

	c.JSON(status, gin.H{
		"error":     "Rate limit exceeded",
		"errorCode": string(code),
		"message":   denialMessage(id, code),
		"details": gin.H{
			"reason":     string(decision.Reason),
			"tier":       id.String(),
			"retryAfter": retryAfter,
			"suggestion": suggestion(id, code),
			"limits": gin.H{
				"max_requests":     limits.MaxRequests,
				"burst_limit":      limits.BurstLimit,
				"daily_limit":      limits.DailyLimit,
				"concurrent_limit": limits.ConcurrentLimit,
			},
			"current": decision.Snapshot,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Abort()
}

// Recovery suggestion per error code. Free callers hitting a capacity limit
// are steered toward an upgrade instead of just waiting.
func suggestion(id tier.ID, code limiter.ErrorCode) string {
	switch code {
	case limiter.CodeBurstExceeded, limiter.CodeConcurrentLimit:
		return "slow_down"
	case limiter.CodeWindowExceeded:
		if id == tier.Free {
			return "upgrade_subscription"
		}
		return "wait"
	case limiter.CodeDailyExceeded:
		if id == tier.Free {
			return "upgrade_subscription"
		}
		return "wait_daily"
	case limiter.CodeBlocked, limiter.CodeDatabaseError:
		return "contact_support"
	}
	return "wait"
}

// Tier-appropriate denial message. Free callers are nudged toward an
// upgrade; enterprise callers toward their support contact.
func denialMessage(id tier.ID, code limiter.ErrorCode) string {
	if code == limiter.CodeBlocked {
		return "Your access is temporarily blocked due to repeated limit violations."
	}
	switch id {
	case tier.Free:
		return "Rate limit reached for the free tier. Upgrade your subscription for higher limits."
	case tier.Enterprise, tier.Admin:
		return "Rate limit reached. Contact support if your workload needs a higher allocation."
	default:
		return "Rate limit reached. Please retry after the indicated delay."
	}
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
