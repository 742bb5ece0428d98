package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/pkg/response"
	"golang.org/x/time/rate"
)

const claimsKey = "claims"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RouteLimit caps requests per client for paths under Prefix
type RouteLimit struct {
	Prefix string
	Limit  rate.Limit
	Burst  int
}

// DefaultLimits mirror the expected traffic of the ops API: token issue is
// rare, control actions are occasional and reads can be polled.
var DefaultLimits = []RouteLimit{
	{Prefix: "/api/v1/auth", Limit: rate.Limit(10.0 / 60.0), Burst: 1},
	{Prefix: "/api/v1/strategies/:name", Limit: rate.Limit(60.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1", Limit: rate.Limit(1000.0 / 60.0), Burst: 20},
}

// Limiter keeps one token bucket per client and route prefix
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   []RouteLimit
	idle     time.Duration
	now      func() time.Time
}

func NewLimiter(limits []RouteLimit) *Limiter {
	return &Limiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (l *Limiter) get(path, clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, burst := rate.Inf, 1
	for _, rl := range l.limits {
		if strings.HasPrefix(path, rl.Prefix) {
			limit, burst = rl.Limit, rl.Burst
			break
		}
	}

	key := clientID + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (l *Limiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, v := range l.visitors {
		if l.now().Sub(v.lastSeen) > l.idle {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// RateLimit rejects requests beyond the client's budget with 429
func (l *Limiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !l.get(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores its claims on the context
func JWTAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := svc.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// RequirePermission must run after JWTAuth
func RequirePermission(p string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok || !claims.Can(p) {
			response.Forbidden(c, "Missing permission: "+p)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Claims returns the token claims stored by JWTAuth
func Claims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
