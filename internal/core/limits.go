package core

import "time"

// Default operational limits for a room.
const (
	// DefaultRateLimitInterval is the minimum gap between two messages from
	// the same participant.
	DefaultRateLimitInterval = 500 * time.Millisecond

	// DefaultBurstLimit messages per DefaultBurstWindow are tolerated before
	// a participant starts collecting warnings.
	DefaultBurstLimit  = 8
	DefaultBurstWindow = 10 * time.Second

	// DefaultMaxWarnings is the number of burst warnings that triggers a mute.
	DefaultMaxWarnings  = 3
	DefaultMuteDuration = time.Minute

	// DefaultIdleTimeout is how long a participant may stay silent before
	// being marked idle. The sweep runs every DefaultActivitySweep.
	DefaultIdleTimeout   = 20 * time.Second
	DefaultActivitySweep = 5 * time.Second

	// DefaultVoteThreshold is the fraction of the roster whose yes votes
	// resolve a vote-kick.
	DefaultVoteThreshold = 0.51

	// DefaultKicksBeforeBan vote-kicks against one source address install a
	// ban of DefaultBanDuration. Zero disables escalation.
	DefaultKicksBeforeBan = 2
	DefaultBanDuration    = 30 * time.Minute

	// DefaultWipeInterval is the length of one room epoch.
	DefaultWipeInterval = 15 * time.Minute

	// DefaultHistoryLimit is the number of messages retained for late joiners
	// and reactions. Older messages are evicted with their reactions.
	DefaultHistoryLimit = 500

	// DefaultGalleryLimit bounds the per-epoch media gallery.
	DefaultGalleryLimit = 200

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 64
)

// Field limits applied when sanitizing client input.
const (
	MaxNameLength   = 50  // runes in a display name
	MaxTagLength    = 32  // runes in color/role tags
	MaxSymbolLength = 32  // bytes in a reaction symbol
	MaxRefLength    = 128 // bytes in blob references
	MaxPreviewRunes = 80  // runes of text kept in a reply preview
)

// Options configures a RoomState.
type Options struct {
	RateLimitInterval time.Duration
	BurstLimit        int
	BurstWindow       time.Duration
	MaxWarnings       int
	MuteDuration      time.Duration

	IdleTimeout   time.Duration
	ActivitySweep time.Duration

	VoteThreshold  float64
	KicksBeforeBan int
	BanDuration    time.Duration

	WipeInterval time.Duration
	HistoryLimit int
	GalleryLimit int
	SendBuffer   int
}

// DefaultOptions returns the representative room configuration.
func DefaultOptions() Options {
	return Options{
		RateLimitInterval: DefaultRateLimitInterval,
		BurstLimit:        DefaultBurstLimit,
		BurstWindow:       DefaultBurstWindow,
		MaxWarnings:       DefaultMaxWarnings,
		MuteDuration:      DefaultMuteDuration,
		IdleTimeout:       DefaultIdleTimeout,
		ActivitySweep:     DefaultActivitySweep,
		VoteThreshold:     DefaultVoteThreshold,
		KicksBeforeBan:    DefaultKicksBeforeBan,
		BanDuration:       DefaultBanDuration,
		WipeInterval:      DefaultWipeInterval,
		HistoryLimit:      DefaultHistoryLimit,
		GalleryLimit:      DefaultGalleryLimit,
		SendBuffer:        DefaultSendBuffer,
	}
}

// withDefaults fills zero-valued fields that must never be zero.
// BurstLimit and KicksBeforeBan are left alone: zero disables them.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RateLimitInterval < 0 {
		o.RateLimitInterval = 0
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = d.BurstWindow
	}
	if o.MaxWarnings <= 0 {
		o.MaxWarnings = d.MaxWarnings
	}
	if o.MuteDuration <= 0 {
		o.MuteDuration = d.MuteDuration
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.ActivitySweep <= 0 {
		o.ActivitySweep = d.ActivitySweep
	}
	if o.VoteThreshold <= 0 || o.VoteThreshold > 1 {
		o.VoteThreshold = d.VoteThreshold
	}
	if o.BanDuration <= 0 {
		o.BanDuration = d.BanDuration
	}
	if o.WipeInterval < time.Second {
		o.WipeInterval = d.WipeInterval
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.GalleryLimit <= 0 {
		o.GalleryLimit = d.GalleryLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}
