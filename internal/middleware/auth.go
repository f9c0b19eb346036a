package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// ClientIDKey is the gin context key holding the caller identity used for
// rate limiting. It is a key fingerprint, never the key itself.
const ClientIDKey = "client_id"

const maxTrackedClients = 10000

// APIKey requires a matching X-API-KEY header. With no keys configured every
// request is admitted and identified by client IP.
func APIKey(keys []string) gin.HandlerFunc {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			accepted = append(accepted, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(accepted) == 0 {
			c.Set(ClientIDKey, c.ClientIP())
			c.Next()
			return
		}

		presented := c.GetHeader("X-API-KEY")
		if presented == "" {
			Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "missing API key")
			return
		}

		match := 0
		for _, k := range accepted {
			match |= subtle.ConstantTimeCompare([]byte(presented), k)
		}
		if match != 1 {
			Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "invalid API key")
			return
		}

		c.Set(ClientIDKey, fingerprint(presented))
		c.Next()
	}
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:6])
}

// RateLimit applies a token bucket per client. It must run after APIKey.
// A non-positive rate disables limiting.
func RateLimit(requestsPerSec float64, burst int) gin.HandlerFunc {
	handler, err := rateLimit(requestsPerSec, burst, maxTrackedClients)
	if err != nil {
		panic(fmt.Sprintf("middleware: %v", err))
	}
	return handler
}

func rateLimit(requestsPerSec float64, burst, maxClients int) (gin.HandlerFunc, error) {
	if requestsPerSec <= 0 {
		return func(c *gin.Context) { c.Next() }, nil
	}
	if burst < 1 {
		burst = 1
	}
	limiters, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter cache: %w", err)
	}
	retryAfter := strconv.Itoa(max(1, int(1/requestsPerSec)))

	return func(c *gin.Context) {
		client := c.GetString(ClientIDKey)
		if client == "" {
			client = c.ClientIP()
		}

		limiter, ok := limiters.Get(client)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(requestsPerSec), burst)
			if prev, found, _ := limiters.PeekOrAdd(client, limiter); found {
				limiter = prev
			}
		}

		if !limiter.Allow() {
			c.Header("Retry-After", retryAfter)
			Abort(c, http.StatusTooManyRequests, domain.ErrCodeRateLimit, "request rate exceeded")
			return
		}
		c.Next()
	}, nil
}
