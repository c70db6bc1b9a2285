package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// defaultIssuePerMinute applies when WithIssueRateLimit is not given.
	defaultIssuePerMinute = 30
	issueWindow           = time.Minute
)

// issueRateLimiter bounds key-generating requests per client IP with a
// sliding window. Every request counts, successful or not, because key
// generation is the expensive part and happens before most failures.
type issueRateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

func newIssueRateLimiter(perMinute int) *issueRateLimiter {
	return &issueRateLimiter{
		limit:    perMinute,
		window:   issueWindow,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// allow records a request from ip unless the client already used its quota,
// in which case it reports how long until the oldest request leaves the
// window.
func (rl *issueRateLimiter) allow(ip string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	times := trimWindow(rl.requests[ip], now, rl.window)
	if len(times) >= rl.limit {
		rl.requests[ip] = times
		return false, times[0].Add(rl.window).Sub(now)
	}
	rl.requests[ip] = append(times, now)
	return true, 0
}

// sweep drops clients with no requests inside the window.
func (rl *issueRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, times := range rl.requests {
		if len(trimWindow(times, now, rl.window)) == 0 {
			delete(rl.requests, ip)
		}
	}
}

// limitIssuance is middleware that applies the issuance limiter.
func (a *API) limitIssuance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.issueLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.extractClientIP(r)
		if ok, retryAfter := a.issueLimiter.allow(ip); !ok {
			a.audit.log(AuditIssuanceRateLimited, r, ip, slog.String("path", r.URL.Path))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartSweeper removes idle rate-limit state every interval until stop is
// closed.
func (a *API) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if a.issueLimiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.issueLimiter.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many issuance requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP using the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// when the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies RemoteAddr is always used.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if remoteIP == "" || !isTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}

	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for elem := range strings.SplitSeq(fwd, ",") {
			for param := range strings.SplitSeq(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}

	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func isTrusted(ip string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
