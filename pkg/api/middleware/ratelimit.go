package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/goclaw/sagaflow/pkg/api/response"
)

const pruneEvery = time.Minute

// SubmitLimiter gives each client address its own token bucket for saga
// submission. Buckets idle for longer than a full refill are pruned.
type SubmitLimiter struct {
	limit     rate.Limit
	burst     int
	clients   *xsync.MapOf[string, *clientBucket]
	lastPrune atomic.Int64
	now       func() time.Time
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// NewSubmitLimiter allows perSecond submissions per client with the given
// burst. A burst below one is raised to one.
func NewSubmitLimiter(perSecond float64, burst int) *SubmitLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &SubmitLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: xsync.NewMapOf[string, *clientBucket](),
		now:     time.Now,
	}
	l.lastPrune.Store(l.now().UnixNano())
	return l
}

// Allow takes a token for key. When none is available it reports how long
// the client should wait.
func (l *SubmitLimiter) Allow(key string) (bool, time.Duration) {
	now := l.now()
	l.maybePrune(now)

	b, _ := l.clients.LoadOrCompute(key, func() *clientBucket {
		return &clientBucket{lim: rate.NewLimiter(l.limit, l.burst)}
	})
	b.lastSeen.Store(now.UnixNano())

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Clients returns the number of tracked client buckets.
func (l *SubmitLimiter) Clients() int {
	return l.clients.Size()
}

func (l *SubmitLimiter) maybePrune(now time.Time) {
	last := l.lastPrune.Load()
	if now.UnixNano()-last < int64(pruneEvery) || !l.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	idle := l.refillTime()
	l.clients.Range(func(key string, b *clientBucket) bool {
		if now.Sub(time.Unix(0, b.lastSeen.Load())) > idle {
			l.clients.Delete(key)
		}
		return true
	})
}

// refillTime is how long an untouched bucket takes to fill up again, after
// which dropping it loses nothing.
func (l *SubmitLimiter) refillTime() time.Duration {
	if l.limit <= 0 {
		return pruneEvery
	}
	return time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
}

// Middleware answers 429 with Retry-After once a client's bucket is empty.
func (l *SubmitLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.Allow(clientKey(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			response.Error(w, http.StatusTooManyRequests, response.ErrCodeRateLimited,
				"saga submission rate exceeded", GetRequestID(r.Context()))
		})
	}
}

// clientKey is the remote IP without its port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
