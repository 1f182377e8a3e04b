package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"peer-match-system/models"
	"peer-match-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultArchiveRetention = 24 * time.Hour
	defaultArchiveBatchSize = 200
)

// TicketArchiver copies settled ticket rows into object storage for audit.
// The matching core never hard-deletes tickets; this worker gives the
// retained rows a durable home and stamps them so each row is exported once.
type TicketArchiver struct {
	DB        *gorm.DB
	Retention time.Duration
	BatchSize int
}

func NewTicketArchiver(db *gorm.DB) *TicketArchiver {
	return &TicketArchiver{
		DB:        db,
		Retention: defaultArchiveRetention,
		BatchSize: defaultArchiveBatchSize,
	}
}

// PollTickets drives the archiver on a fixed interval until ctx is done.
func PollTickets(ctx context.Context, archiver *TicketArchiver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[TicketArchiver] polling every %v (retention %v)", interval, archiver.Retention)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[TicketArchiver] stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			count, err := archiver.ArchiveOnce(ctx)
			if err != nil {
				// One bad pass is logged, not fatal; next tick retries from
				// current table state.
				log.Printf("[TicketArchiver] pass failed: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("[TicketArchiver] archived %d tickets", count)
			}
		}
	}
}

// ArchiveOnce exports one batch of terminal tickets older than the retention
// window and stamps them archived. Returns how many rows were exported.
func (a *TicketArchiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.Retention)

	var tickets []models.MatchTicket
	err := a.DB.WithContext(ctx).
		Where("status IN ? AND archived_at IS NULL AND updated_at <= ?",
			[]models.TicketStatus{
				models.TicketStatusMatched,
				models.TicketStatusCancelled,
				models.TicketStatusExpired,
			}, cutoff).
		Order("updated_at ASC").
		Limit(a.BatchSize).
		Find(&tickets).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select archivable tickets: %w", err)
	}
	if len(tickets) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(tickets)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal archive batch: %w", err)
	}

	now := time.Now()
	key := fmt.Sprintf("tickets/%s/batch-%s.json", now.Format("2006/01/02"), uuid.NewString())
	if err := utils.UploadArchiveObject(ctx, key, payload); err != nil {
		return 0, err
	}

	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	if err := a.DB.WithContext(ctx).Model(&models.MatchTicket{}).
		Where("id IN ?", ids).
		Update("archived_at", now).Error; err != nil {
		// The batch is already uploaded; an unstamped row just re-exports
		// next pass, which the audit side tolerates.
		return 0, fmt.Errorf("failed to stamp archived tickets: %w", err)
	}

	return len(tickets), nil
}
