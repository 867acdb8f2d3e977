// Package ratelimit implements the gateway's sliding-window rate limits on
// top of a pluggable counter store. Counters live in Redis when configured
// so every gateway instance shares one view; otherwise an in-process store
// is used.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voxlicense/internal/config"
)

// CounterStore records a hit against a sliding-window counter and reports
// the window's population afterwards. Implementations must be safe for
// concurrent use.
type CounterStore interface {
	// Incr adds one hit to key's window and returns the number of hits in
	// the window including this one, plus the moment the oldest hit ages
	// out.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Rule names one limit: at most Limit hits per Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Result describes the outcome of a limit check, with everything a handler
// needs for the X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Rule      string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the seconds a denied caller should wait, never below 1.
func (r Result) RetryAfter() int {
	secs := int(time.Until(r.ResetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter evaluates the configured rules. When the counter store fails the
// limiter denies the request: an outage must not turn the gateway into an
// unthrottled endpoint.
type Limiter struct {
	store   CounterStore
	logger  *slog.Logger
	enabled bool

	perIP   Rule
	perKey  Rule
	global  Rule
	perUser Rule
	crl     Rule
}

// New builds a Limiter from the gateway configuration.
func New(store CounterStore, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:   store,
		logger:  logger,
		enabled: cfg.Enabled,
		perIP:   Rule{Name: "per_ip", Limit: cfg.PerIP, Window: cfg.PerIPWindow},
		perKey:  Rule{Name: "per_key", Limit: cfg.PerKey, Window: cfg.PerKeyWindow},
		global:  Rule{Name: "global", Limit: cfg.Global, Window: cfg.GlobalWindow},
		perUser: Rule{Name: "per_user", Limit: cfg.PerUser, Window: cfg.PerUserWindow},
		crl:     Rule{Name: "crl", Limit: cfg.CRL, Window: cfg.CRLWindow},
	}
}

// AllowActivation checks the global, per-IP and per-key limits for a
// license endpoint request. The first exceeded rule wins; licenseKey may be
// empty for requests that carry none.
func (l *Limiter) AllowActivation(ctx context.Context, ip, licenseKey string) Result {
	checks := []struct {
		rule Rule
		id   string
	}{
		{l.global, "all"},
		{l.perIP, ip},
	}
	if licenseKey != "" {
		checks = append(checks, struct {
			rule Rule
			id   string
		}{l.perKey, licenseKey})
	}

	result := Result{Allowed: true}
	for _, c := range checks {
		result = l.check(ctx, c.rule, c.id)
		if !result.Allowed {
			return result
		}
	}
	return result
}

// AllowUser checks the per-user daily limit for authenticated endpoints.
func (l *Limiter) AllowUser(ctx context.Context, userID string) Result {
	return l.check(ctx, l.perUser, userID)
}

// AllowCRL checks the per-IP revocation-list limit.
func (l *Limiter) AllowCRL(ctx context.Context, ip string) Result {
	return l.check(ctx, l.crl, ip)
}

func (l *Limiter) check(ctx context.Context, rule Rule, id string) Result {
	if !l.enabled || rule.Limit <= 0 {
		return Result{Allowed: true, Rule: rule.Name, Limit: rule.Limit}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", rule.Name, id)
	count, resetAt, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		// Fail closed.
		l.logger.Error("rate limit counter store failure, denying request",
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()))
		return Result{Allowed: false, Rule: rule.Name, Limit: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(rule.Limit),
		Rule:      rule.Name,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
