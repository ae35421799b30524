// internal/server/middleware.go
package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

const principalKey = "goodies.principal"

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("size", c.Writer.Size()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// requireAuth resolves the bearer token and stashes the principal on
// the context. Failures answer with the wire error shape so sync
// clients can surface them uniformly.
func requireAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWire(c, &inbetweenies.WireError{
				Kind:   inbetweenies.ErrorKindUnauthorized,
				Detail: "missing bearer token",
			})
			return
		}
		principal, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			abortWire(c, &inbetweenies.WireError{
				Kind:   inbetweenies.ErrorKindUnauthorized,
				Detail: "token rejected",
			})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func abortWire(c *gin.Context, werr *inbetweenies.WireError) {
	c.AbortWithStatusJSON(werr.HTTPStatus(), werr)
}

// deviceLimiter hands each device id its own token bucket. Buckets
// live for the process lifetime; the device population of a home is
// small enough that eviction is not worth the bookkeeping.
type deviceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newDeviceLimiter builds a limiter pool; rps <= 0 disables limiting.
func newDeviceLimiter(rps float64, burst int) *deviceLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &deviceLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether the device may proceed right now. A nil
// limiter always allows.
func (l *deviceLimiter) allow(deviceID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[deviceID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[deviceID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// wireStatus maps an engine error onto the transport. Anything that is
// not already a WireError becomes Internal.
func wireStatus(err error) (int, *inbetweenies.WireError) {
	var werr *inbetweenies.WireError
	if errors.As(err, &werr) {
		return werr.HTTPStatus(), werr
	}
	werr = &inbetweenies.WireError{
		Kind:   inbetweenies.ErrorKindInternal,
		Detail: "internal error",
	}
	return http.StatusInternalServerError, werr
}
