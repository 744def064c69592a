// Package ratelimit limits how many slot holds a user or client IP may place.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

// realClock implements Clock using the system time.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds rate limit configuration.
type Config struct {
	HoldsPerUser int           // Max holds per user per window (default: 20)
	HoldsPerIP   int           // Max holds per client IP per window (default: 60)
	Window       time.Duration // Counting window (default: 1h)
	CleanupEvery time.Duration // Interval of the stale entry sweep (default: 10m)

	// Clock for testing (nil uses real time)
	Clock Clock
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		HoldsPerUser: 20,
		HoldsPerIP:   60,
		Window:       time.Hour,
		CleanupEvery: 10 * time.Minute,
	}
}

// LimitResult contains the result of a rate limit check.
type LimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string // For logging
}

// entry tracks request counts within a fixed window.
type entry struct {
	count   int
	firstAt time.Time // First request in window
	lastAt  time.Time
}

// Limiter counts holds per user and per IP in fixed windows.
type Limiter struct {
	config *Config
	clock  Clock
	mu     sync.RWMutex
	// Keyed by hash of user key or IP
	byUser map[string]*entry
	byIP   map[string]*entry

	// Cleanup goroutine management
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupOnce   sync.Once
	cleanupWg     sync.WaitGroup
}

// New creates a new rate limiter with the given config.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 10 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		config:        cfg,
		clock:         clock,
		byUser:        make(map[string]*entry),
		byIP:          make(map[string]*entry),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
}

// Close stops the cleanup goroutine and releases resources.
func (l *Limiter) Close() {
	l.cleanupCancel()
	l.cleanupWg.Wait()
}

// CheckHold checks whether another hold is allowed. An empty userKey or ip
// skips that layer. Does NOT record the attempt - call RecordHold after the
// hold is stored.
func (l *Limiter) CheckHold(userKey, ip string) LimitResult {
	l.startCleanup()
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if userKey != "" && l.config.HoldsPerUser > 0 {
		if e := l.byUser[l.hashKey("user:", normalizeKey(userKey))]; e != nil {
			if res, blocked := l.exceeded(e, now, l.config.HoldsPerUser, "user_limit"); blocked {
				return res
			}
		}
	}
	if ip != "" && l.config.HoldsPerIP > 0 {
		if e := l.byIP[l.hashKey("ip:", ip)]; e != nil {
			if res, blocked := l.exceeded(e, now, l.config.HoldsPerIP, "ip_limit"); blocked {
				return res
			}
		}
	}

	return LimitResult{Allowed: true}
}

func (l *Limiter) exceeded(e *entry, now time.Time, max int, reason string) (LimitResult, bool) {
	elapsed := now.Sub(e.firstAt)
	if elapsed < l.config.Window && e.count >= max {
		return LimitResult{
			Allowed:    false,
			RetryAfter: l.config.Window - elapsed,
			Reason:     reason,
		}, true
	}
	return LimitResult{}, false
}

// RecordHold records a stored hold.
func (l *Limiter) RecordHold(userKey, ip string) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if userKey != "" {
		l.record(l.byUser, l.hashKey("user:", normalizeKey(userKey)), now)
	}
	if ip != "" {
		l.record(l.byIP, l.hashKey("ip:", ip), now)
	}
}

func (l *Limiter) record(m map[string]*entry, key string, now time.Time) {
	e := m[key]
	if e == nil || now.Sub(e.firstAt) >= l.config.Window {
		m[key] = &entry{count: 1, firstAt: now, lastAt: now}
		return
	}
	e.count++
	e.lastAt = now
}

func (l *Limiter) hashKey(prefix, value string) string {
	hash := sha256.Sum256([]byte(value))
	return prefix + hex.EncodeToString(hash[:8])
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (l *Limiter) startCleanup() {
	l.cleanupOnce.Do(func() {
		l.cleanupWg.Add(1)
		go func() {
			defer l.cleanupWg.Done()
			ticker := time.NewTicker(l.config.CleanupEvery)
			defer ticker.Stop()
			for {
				select {
				case <-l.cleanupCtx.Done():
					return
				case <-ticker.C:
					l.cleanup()
				}
			}
		}()
	})
}

func (l *Limiter) cleanup() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.byUser {
		if now.Sub(e.lastAt) > l.config.Window {
			delete(l.byUser, k)
		}
	}
	for k, e := range l.byIP {
		if now.Sub(e.lastAt) > l.config.Window {
			delete(l.byIP, k)
		}
	}
}

// GetClientIP extracts the client IP from a request.
// When trustProxy is true, uses the rightmost IP from X-Forwarded-For (added by your proxy).
// When trustProxy is false, ignores X-Forwarded-For entirely (prevents spoofing).
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Use RIGHTMOST IP - this is the one your proxy added, not user-supplied
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				// Skip private/internal IPs to find the real client
				if ip != "" && !isPrivateIP(ip) {
					return ip
				}
			}
			// All IPs are private, use the last one
			return strings.TrimSpace(parts[len(parts)-1])
		}

		// Check X-Real-IP (set by nginx)
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	// Fall back to RemoteAddr (direct connection or untrusted proxy)
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port (e.g., Unix socket or malformed)
		// Try to parse as IP directly, otherwise return as-is
		if parsed := net.ParseIP(r.RemoteAddr); parsed != nil {
			return r.RemoteAddr
		}
		// Last resort: strip anything after last colon that looks like a port
		if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
			candidate := r.RemoteAddr[:idx]
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
		return r.RemoteAddr
	}
	return ip
}

// privateNetworks holds parsed CIDR ranges for private/reserved IPs.
// Parsed once at package init for efficiency.
var privateNetworks []*net.IPNet

func init() {
	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10", // Link-local
	}
	for _, cidr := range privateRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid private CIDR: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// isPrivateIP checks if an IP is in a private/reserved range.
// Handles both IPv4 and IPv4-mapped IPv6 addresses (e.g., ::ffff:192.168.1.1).
func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	// Convert IPv4-mapped IPv6 to IPv4 for consistent matching
	// e.g., ::ffff:192.168.1.1 -> 192.168.1.1
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// LogRateLimitExceeded logs a rejected hold.
func LogRateLimitExceeded(ctx context.Context, userKey, ip, reason string) {
	log.Ctx(ctx).Warn().
		Str("event", "rate_limit_exceeded").
		Str("user", userKey).
		Str("ip", ip).
		Str("reason", reason).
		Msg("Hold rate limit exceeded")
}
