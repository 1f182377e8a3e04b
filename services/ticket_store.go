package services

import (
	"errors"
	"time"

	"peer-match-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// withRowLock adds FOR UPDATE SKIP LOCKED on Postgres so concurrent match
// transactions claim disjoint candidate rows instead of blocking on each
// other. Other dialects (the SQLite test database) run without the clause;
// they serialize writes on their own.
func withRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

// upsertTicket creates or replaces the caller's single ticket row, keyed on
// user_id. The replacement takes every field from the fresh ticket, including
// a new id and created_at, so a re-request always re-enters the FIFO order at
// the back and clears any archive stamp.
func upsertTicket(tx *gorm.DB, ticket *models.MatchTicket) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "language", "difficulty", "topic",
			"language_pref", "difficulty_pref", "topic_pref",
			"status", "partner_id", "room_id",
			"expires_at", "created_at", "updated_at", "archived_at",
		}),
	}).Create(ticket).Error
}

// findTicketByUser is a plain point lookup, no locking. Returns (nil, nil)
// when the user has no ticket row at all.
func findTicketByUser(tx *gorm.DB, userID string) (*models.MatchTicket, error) {
	var ticket models.MatchTicket
	if err := tx.Where("user_id = ?", userID).First(&ticket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

// lockTicketByUser reads the user's own row under a plain FOR UPDATE. Unlike
// the candidate scan this lock waits instead of skipping: a concurrent
// matcher that claimed this row as a candidate holds it until commit, and
// the caller must observe that committed outcome before touching the row,
// or its own upsert would silently overwrite the fresh pairing.
func lockTicketByUser(tx *gorm.DB, userID string) (*models.MatchTicket, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ticket models.MatchTicket
	if err := q.Where("user_id = ?", userID).First(&ticket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

// lockCandidates selects up to limit live QUEUED tickets another user could
// pair with, oldest first, narrowed by the caller's own preference sets, and
// takes row locks that skip rows already claimed by a racing transaction.
// The candidate's mirror-image preference check happens in Go afterwards.
func lockCandidates(tx *gorm.DB, req *MatchRequest, now time.Time, limit int) ([]models.MatchTicket, error) {
	q := tx.Where("status = ? AND expires_at > ? AND user_id <> ?",
		models.TicketStatusQueued, now, req.UserID)

	if len(req.LanguageIn) > 0 {
		q = q.Where("language IN ?", req.LanguageIn)
	}
	if len(req.DifficultyIn) > 0 {
		q = q.Where("difficulty IN ?", req.DifficultyIn)
	}
	if len(req.TopicIn) > 0 {
		q = q.Where("topic IN ?", req.TopicIn)
	}

	var candidates []models.MatchTicket
	err := withRowLock(q).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}
