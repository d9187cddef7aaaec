package main

import (
	"context"
	"log/slog"
	"time"

	"nexus/internal/core"
)

type snapshotter interface {
	Snapshot(ctx context.Context) (core.Snapshot, error)
}

type blobUsage interface {
	BlobUsage(ctx context.Context) (int, int64, error)
}

// RunStats logs room stats every interval until ctx is canceled. Idle rooms
// stay quiet.
func RunStats(ctx context.Context, room snapshotter, uploads blobUsage, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := room.Snapshot(ctx)
			if err != nil {
				return
			}
			count, size, err := uploads.BlobUsage(ctx)
			if err != nil {
				slog.Warn("blob usage", "err", err)
			}
			if snap.Conns == 0 && count == 0 {
				continue
			}
			slog.Info("room stats",
				"conns", snap.Conns,
				"participants", len(snap.Participants),
				"messages", snap.Messages,
				"open_votes", snap.OpenVotes,
				"seconds_remaining", snap.SecondsRemaining,
				"uploads", count,
				"upload_bytes", size,
			)
		}
	}
}
