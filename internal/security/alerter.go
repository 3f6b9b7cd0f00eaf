// Package security turns streams of failed security events into alerts.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Rule is the threshold for one event/outcome pair within a window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts failures per event, outcome and client IP in Redis so
// every replica contributes to the same counters.
type AuditAlerter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewAuditAlerter returns nil when client is nil; a nil alerter observes nothing.
func NewAuditAlerter(client redis.Scripter, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "fileshare:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}
}

// Observe records a security event and reports whether its threshold is reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	rule, ok := RuleFor(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = rule.Threshold
	result.Window = rule.Window
	result.Triggered = count == rule.Threshold
	return result, nil
}

// RuleFor returns the alert rule for an event, if any. Every rate-limited
// event shares one rule; other events alert only on failures.
func RuleFor(event, outcome string) (Rule, bool) {
	event = strings.TrimSpace(event)
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return Rule{Threshold: 20, Window: time.Minute}, true
	case "fail":
	default:
		return Rule{}, false
	}
	switch event {
	case "auth.login", "auth.register", "auth.verify_mfa", "auth.mfa_verify":
		return Rule{Threshold: 10, Window: 5 * time.Minute}, true
	case "auth.refresh", "auth.logout":
		return Rule{Threshold: 15, Window: 5 * time.Minute}, true
	case "token.verify", "admin.authorize":
		return Rule{Threshold: 25, Window: 5 * time.Minute}, true
	case "files.download":
		// Repeated misses from one address look like token guessing.
		return Rule{Threshold: 30, Window: 5 * time.Minute}, true
	default:
		return Rule{}, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
