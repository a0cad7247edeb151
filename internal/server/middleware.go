package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/auth"
)

const (
	ctxUserID    = "userID"
	ctxLogger    = "logger"
	requestIDKey = "X-Request-ID"
)

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDKey, id)
		l := base.With().Str("request_id", id).Logger()
		c.Set(ctxLogger, l)

		c.Next()

		ev := l.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = l.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("user_id", c.GetString(ctxUserID)).
			Msg("request")
	}
}

func requestLog(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxLogger); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return &l
		}
	}
	l := zerolog.Nop()
	return &l
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// Browsers cannot set headers on WebSocket or EventSource requests.
	return c.Query("token")
}

// authorize resolves the caller from the bearer token.
func authorize(tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			fail(c, rentwheel.KindUnauthenticated, "missing token")
			return
		}
		claims, err := tokens.Verify(token)
		if err != nil {
			fail(c, rentwheel.KindUnauthenticated, err.Error())
			return
		}
		c.Set(ctxUserID, claims.UserID())
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// limitSends caps message inserts per user per minute.
func limitSends(perMinute uint) gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  time.Minute,
		Limit: perMinute,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(info.ResetTime).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{Error: &rentwheel.APIError{
				Code:    "RATE_LIMITED",
				Message: "too many messages, slow down",
			}})
		},
		KeyFunc: func(c *gin.Context) string {
			return currentUser(c)
		},
	})
}
