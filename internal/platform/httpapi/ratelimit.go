package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
)

// OrgLimiter is a token bucket per organization.
type OrgLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewOrgLimiter allows perMinute requests per org with the given burst. A
// non-positive perMinute disables limiting.
func NewOrgLimiter(perMinute float64, burst int) *OrgLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &OrgLimiter{limit: rate.Limit(perMinute / 60.0), burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (l *OrgLimiter) Allow(orgID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[orgID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[orgID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *OrgLimiter) retryAfter() string {
	if l.limit <= 0 {
		return "1"
	}
	secs := int(time.Duration(float64(time.Second)/float64(l.limit)).Seconds() + 0.5)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (l *OrgLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := chi.URLParam(r, "orgID")
		if !l.Allow(orgID) {
			w.Header().Set("Retry-After", l.retryAfter())
			auth.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "export rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
