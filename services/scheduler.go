// services/scheduler.go
package services

import (
	"log"
	"time"

	"peer-match-system/models"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

const (
	sweepInterval  = 10 * time.Second
	sweepBatchSize = 100
)

// StartExpirySweeper runs the periodic pass that retires overdue queued
// tickets. An error on one pass is logged and forgotten; the next tick
// re-evaluates from current table state, so the sweeper self-heals.
func (s *MatchService) StartExpirySweeper() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			swept, err := s.SweepExpired(sweepBatchSize)
			if err != nil {
				log.Printf("[Sweeper] pass failed: %v", err)
				return
			}
			if len(swept) == 0 {
				return
			}
			for _, t := range swept {
				log.Printf("[Sweeper] expired ticket %s user %s (queued %s, window ended %s)",
					t.ID, t.UserID, t.CreatedAt.Format(time.RFC3339), t.ExpiresAt.Format(time.RFC3339))
				// Push the timeout so a waiting stream resolves right away
				// instead of on its next poll.
				s.Notifier.Publish(t.UserID, &MatchEvent{Type: EventTimeout})
			}
			log.Printf("[Sweeper] swept %d overdue tickets", len(swept))
		}),
	)
}

// SweepExpired flips up to limit overdue QUEUED rows to EXPIRED, oldest
// first, and returns the retired rows for logging and notification. Runs in
// one transaction on the same row locks as the matcher, so it never races a
// pairing in flight; a second sweeper instance simply finds zero rows left.
func (s *MatchService) SweepExpired(limit int) ([]models.MatchTicket, error) {
	var swept []models.MatchTicket
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var overdue []models.MatchTicket
		err := withRowLock(tx).
			Where("status = ? AND expires_at <= ?", models.TicketStatusQueued, now).
			Order("created_at ASC").
			Limit(limit).
			Find(&overdue).Error
		if err != nil {
			return err
		}
		if len(overdue) == 0 {
			return nil
		}

		ids := make([]string, len(overdue))
		for i, t := range overdue {
			ids[i] = t.ID
		}

		// Status guard keeps the update a no-op for any row a concurrent
		// transaction matched between our read and write.
		res := tx.Model(&models.MatchTicket{}).
			Where("id IN ? AND status = ?", ids, models.TicketStatusQueued).
			Update("status", models.TicketStatusExpired)
		if res.Error != nil {
			return res.Error
		}

		for i := range overdue {
			overdue[i].Status = models.TicketStatusExpired
		}
		swept = overdue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
