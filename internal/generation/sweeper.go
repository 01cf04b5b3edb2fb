package generation

import (
	"context"
	"time"

	"github.com/messsiii/behindmemo-sub001/internal/quota"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval = time.Minute
	defaultMaxAge        = 10 * time.Minute
)

// Sweeper reconciles generations abandoned by a crashed background
// attempt: any record generating for longer than the maximum generation
// duration gets a single forced transition to failed plus compensation.
type Sweeper struct {
	store       *Store
	coordinator *quota.Coordinator
	interval    time.Duration
	maxAge      time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store *Store, coordinator *quota.Coordinator, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Sweeper{store: store, coordinator: coordinator, interval: interval, maxAge: maxAge}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
	log.Infof("generation sweeper started (interval=%s max_age=%s)", s.interval, s.maxAge)
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, errSweep := s.SweepOnce(ctx); errSweep != nil {
			log.WithError(errSweep).Warn("generation sweeper: sweep failed")
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// SweepOnce force-fails stale generating records and releases their
// reservations. It returns the number of records swept.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, errStale := s.store.StaleGenerating(ctx, time.Now().Add(-s.maxAge))
	if errStale != nil {
		return 0, errStale
	}

	swept := 0
	for _, record := range stale {
		if errFail := s.store.Fail(ctx, record.ID, "generation abandoned"); errFail != nil {
			// Lost the race to a late worker finishing the record.
			continue
		}
		if errRelease := s.coordinator.Release(ctx, record.UserID, record.RequestID); errRelease != nil {
			log.WithError(errRelease).WithFields(log.Fields{
				"generation_id": record.ID,
				"user_id":       record.UserID,
			}).Error("generation sweeper: release failed")
		}
		swept++
		log.WithFields(log.Fields{
			"generation_id": record.ID,
			"user_id":       record.UserID,
		}).Warn("generation sweeper: forced stale record to failed")
	}
	return swept, nil
}
