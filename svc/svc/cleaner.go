package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"clipvault/metrics"
	"clipvault/svc/util"

	"github.com/pkg/errors"
)

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner runs the retention policy in the background: every
// interval, unpinned clips older than retentionDays are purged. A
// retentionDays of zero disables age-based cleanup.
func StartCleaner(ctx context.Context, clips *Clips, interval time.Duration, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, clips, interval, retentionDays)
	})
	return nil
}

func runCleaner(ctx context.Context, clips *Clips, interval time.Duration, retentionDays int) {
	defer cleanerRunning.Store(false)
	opID := util.NewOpID()
	ctx = util.SetOpID(ctx, opID)

	select {
	case <-clips.Ready():
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("op_id", opID).
		Dur("interval", interval).
		Int("retention_days", retentionDays).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("op_id", opID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			metrics.CleanupCycles.Inc()
			deleted, err := clips.CleanupOldClips(ctx, retentionDays)
			if err != nil {
				util.Error().
					Err(err).
					Str("op_id", util.GetOpID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int64("deleted", deleted).
					Str("op_id", util.GetOpID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
