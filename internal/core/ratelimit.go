package core

import (
	"time"

	"golang.org/x/time/rate"
)

// Verdict is the rate limiter's decision for one message.
type Verdict int

const (
	// VerdictAllow lets the message through.
	VerdictAllow Verdict = iota
	// VerdictDrop silently discards the message.
	VerdictDrop
	// VerdictWarn discards the message and warns the sender.
	VerdictWarn
	// VerdictMute discards the message and mutes the sender.
	VerdictMute
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	case VerdictWarn:
		return "warn"
	case VerdictMute:
		return "mute"
	default:
		return "unknown"
	}
}

// rateState is the per-participant bookkeeping the limiter reads and updates.
type rateState struct {
	burst      *rate.Limiter
	warnings   int
	mutedUntil time.Time
}

// RateLimiter decides whether a participant may send a message now. It keeps
// no state of its own; everything lives on the participant record.
type RateLimiter struct {
	interval     time.Duration
	burstLimit   int
	burstWindow  time.Duration
	maxWarnings  int
	muteDuration time.Duration
}

// NewRateLimiter builds the policy from room options.
func NewRateLimiter(opts Options) RateLimiter {
	return RateLimiter{
		interval:     opts.RateLimitInterval,
		burstLimit:   opts.BurstLimit,
		burstWindow:  opts.BurstWindow,
		maxWarnings:  opts.MaxWarnings,
		muteDuration: opts.MuteDuration,
	}
}

// allow applies, in order: an active mute, the minimum interval since the
// last accepted message, then the burst bucket with its warning ladder.
func (l RateLimiter) allow(p *participant, now time.Time) Verdict {
	if now.Before(p.rate.mutedUntil) {
		return VerdictDrop
	}
	if !p.lastMessageAt.IsZero() && now.Sub(p.lastMessageAt) < l.interval {
		return VerdictDrop
	}
	if l.burstLimit <= 0 {
		return VerdictAllow
	}

	if p.rate.burst == nil {
		every := l.burstWindow / time.Duration(l.burstLimit)
		p.rate.burst = rate.NewLimiter(rate.Every(every), l.burstLimit)
	}
	if p.rate.burst.AllowN(now, 1) {
		return VerdictAllow
	}

	p.rate.warnings++
	if p.rate.warnings >= l.maxWarnings {
		p.rate.warnings = 0
		p.rate.mutedUntil = now.Add(l.muteDuration)
		return VerdictMute
	}
	return VerdictWarn
}
