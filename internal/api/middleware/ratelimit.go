package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewRateLimiter creates the coarse per-IP flood guard; the recovery endpoint
// layers its own persistent limiter on top. requests attempts are allowed per
// period, which is a duration string (e.g. "1m", "1h"). Refusals carry the
// same JSON error shape as the rest of the API.
func NewRateLimiter(requests int64, period string) (gin.HandlerFunc, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}

	instance := limiter.New(memory.NewStore(), limiter.Rate{
		Period: duration,
		Limit:  requests,
	})

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			// A broken limiter store must not take the API down.
			c.Next()
		}),
	), nil
}
