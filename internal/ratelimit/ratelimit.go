// Package ratelimit implements ORBIT's fixed-window rate limiter (C3),
// generalized from the teacher's internal/service/ratelimiter token-bucket
// Lua-script limiter: same Redis + Lua pattern, re-specified to fixed
// windows keyed by identifier and scope per spec §4.3.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/redis/go-redis/v9"
)

// Rule configures one scope's limit.
type Rule struct {
	RequestsPerWindow int
	Window            time.Duration
}

// ScopeRules pairs the minute and hour windows checked for a single scope
// (spec §4.3 step 2-3, §3's RateLimitCounter "window ∈ {min, hr}"). Either
// rule with RequestsPerWindow<=0 is treated as disabled.
type ScopeRules struct {
	Minute Rule
	Hour   Rule
}

// luaFixedWindowScript increments the per-window counter atomically and
// returns the post-increment count plus the window's remaining TTL,
// grounded on the teacher's Lua-script counter pattern (HMGET/HMSET under a
// single round trip rather than GET+INCR+EXPIRE as three round trips).
const luaFixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
  redis.call("EXPIRE", key, window_seconds)
end
local ttl = redis.call("TTL", key)
if ttl < 0 then
  redis.call("EXPIRE", key, window_seconds)
  ttl = window_seconds
end

local allowed = 0
if count <= limit then
  allowed = 1
end

return { allowed, count, ttl }
`

// Limiter is the fixed-window Redis-backed rate limiter.
type Limiter struct {
	rdb          *redis.Client
	script       *redis.Script
	ipRules      ScopeRules
	apiKeyRules  ScopeRules
	excludePaths map[string]struct{}
}

// New builds a Limiter. A nil rdb (or a Redis outage encountered later)
// always fails open: no request is ever rejected because Redis is
// unavailable (spec §4.3 "fail open on Redis errors").
func New(rdb *redis.Client, ipRules, apiKeyRules ScopeRules, excludePaths []string) *Limiter {
	excluded := make(map[string]struct{}, len(excludePaths))
	for _, p := range excludePaths {
		excluded[p] = struct{}{}
	}
	return &Limiter{
		rdb:          rdb,
		script:       redis.NewScript(luaFixedWindowScript),
		ipRules:      ipRules,
		apiKeyRules:  apiKeyRules,
		excludePaths: excluded,
	}
}

// ClientIP extracts the caller's IP the way the teacher's middleware
// derives request identity: X-Forwarded-For's first hop, then
// X-Real-IP, then the TCP peer, then "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if r.RemoteAddr != "" {
		if host, _, err := splitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("no port in address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// Scope distinguishes which rule/key-space a check applies to.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeAPIKey Scope = "apikey"
)

// windowResult is one window's post-increment state.
type windowResult struct {
	allowed    bool
	limit      int
	remaining  int
	resetAt    time.Time
	retryAfter time.Duration
}

// checkWindow increments and evaluates a single rule's window, keyed as
// ratelimit:{scope}:{window}:{window_id}:{identifier} per spec §4.3. A
// disabled rule (RequestsPerWindow<=0) or a nil rdb/script error always
// fails open.
func (l *Limiter) checkWindow(ctx context.Context, scope Scope, windowName string, identifier string, rule Rule, now time.Time) windowResult {
	if rule.RequestsPerWindow <= 0 || rule.Window <= 0 {
		return windowResult{allowed: true}
	}
	if l.rdb == nil {
		return windowResult{allowed: true, limit: rule.RequestsPerWindow}
	}

	windowSeconds := int64(rule.Window.Seconds())
	windowID := now.Unix() / windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d:%s", scope, windowName, windowID, identifier)

	res, err := l.script.Run(ctx, l.rdb, []string{key}, rule.RequestsPerWindow, windowSeconds).Result()
	if err != nil {
		slog.ErrorContext(ctx, "rate limiter redis error, failing open",
			slog.String("scope", string(scope)), slog.String("key", key), slog.Any("error", err))
		return windowResult{allowed: true, limit: rule.RequestsPerWindow}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.ErrorContext(ctx, "rate limiter unexpected script result, failing open",
			slog.String("scope", string(scope)), slog.Any("result", res))
		return windowResult{allowed: true, limit: rule.RequestsPerWindow}
	}

	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	ttl := time.Duration(toInt64(vals[2])) * time.Second

	remaining := rule.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}

	wr := windowResult{
		allowed:   allowed,
		limit:     rule.RequestsPerWindow,
		remaining: remaining,
		resetAt:   now.Add(ttl),
	}
	if !allowed {
		wr.retryAfter = ttl
	}
	return wr
}

// Allow checks and increments both the minute and hour window counters for
// (scope, identifier) (spec §4.3 steps 2-3); a request is rejected if
// either window is over its limit, so a client that stays under the
// per-minute ceiling can still be caught by the hour ceiling.
func (l *Limiter) Allow(ctx context.Context, path string, scope Scope, identifier string) (domain.RateLimitDecision, error) {
	if _, skip := l.excludePaths[path]; skip {
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	rules := l.ipRules
	if scope == ScopeAPIKey {
		rules = l.apiKeyRules
	}

	now := time.Now()
	minuteRes := l.checkWindow(ctx, scope, "min", identifier, rules.Minute, now)
	hourRes := l.checkWindow(ctx, scope, "hr", identifier, rules.Hour, now)

	// Report the window that is tightest/most restrictive to the caller:
	// whichever one rejected, or else the minute window (matching the
	// existing X-RateLimit-* header convention) when both allow.
	binding := minuteRes
	if !hourRes.allowed {
		binding = hourRes
	}

	decision := domain.RateLimitDecision{
		Allowed:   minuteRes.allowed && hourRes.allowed,
		Limit:     binding.limit,
		Remaining: binding.remaining,
		ResetAt:   binding.resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = binding.retryAfter
		observability.RecordRateLimitRejection(string(scope))
	}
	return decision, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// ApplyHeaders writes the documented X-RateLimit-*/Retry-After headers
// (spec §6) onto the response.
func ApplyHeaders(w http.ResponseWriter, d domain.RateLimitDecision) {
	w.Header().Set("X-RateLimit-Limit", itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", itoa(int(d.ResetAt.Unix())))
	if !d.Allowed {
		w.Header().Set("Retry-After", itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
