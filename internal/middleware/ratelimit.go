package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/pkg/response"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimit allows at most limit requests per client IP and window on the
// routes it wraps. Redis errors let the request through.
func RateLimit(rdb redis.UniversalClient, scope string, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" || limit <= 0 {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		windowKey := time.Now().UnixNano() / int64(window)
		key := fmt.Sprintf("authgate:rate_limit:%s:%s:%d", scope, ip, windowKey)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Warn("rate limit unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rdb.PExpire(ctx, key, window+time.Second)
		}

		if count > int64(limit) {
			retry := window - time.Duration(time.Now().UnixNano()%int64(window))
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}
