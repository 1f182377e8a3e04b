package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a pairing request.
type TicketStatus string

const (
	TicketStatusQueued    TicketStatus = "QUEUED"
	TicketStatusMatched   TicketStatus = "MATCHED"
	TicketStatusCancelled TicketStatus = "CANCELLED"
	TicketStatusExpired   TicketStatus = "EXPIRED"
)

// Terminal reports whether no further automatic transition happens from s.
// A fresh request can still replace a terminal ticket via upsert.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusMatched || s == TicketStatusCancelled || s == TicketStatusExpired
}

// StringList stores a deduplicated set of normalized values as a JSON array
// column, so candidate preference sets travel with the row.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Contains reports whether the list holds value. An empty list is a
// wildcard and matches nothing here; callers check len() for that case.
func (l StringList) Contains(value string) bool {
	for _, v := range l {
		if v == value {
			return true
		}
	}
	return false
}

// MatchTicket is one user's current (or most recent) pairing request.
// Unique on UserID: a fresh request replaces the previous row rather than
// adding a second one. Rows are never hard-deleted by the matching core;
// terminal rows are kept for status queries and audit, and eventually
// stamped ArchivedAt by the archive worker.
type MatchTicket struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"`

	// What this user wants, normalized (trimmed, lower-cased).
	Language   string `gorm:"not null" json:"language"`
	Difficulty string `gorm:"not null" json:"difficulty"`
	Topic      string `gorm:"not null" json:"topic"`

	// Acceptable values for a partner. Empty set = accepts anything.
	LanguagePref   StringList `gorm:"type:text" json:"language_pref"`
	DifficultyPref StringList `gorm:"type:text" json:"difficulty_pref"`
	TopicPref      StringList `gorm:"type:text" json:"topic_pref"`

	Status TicketStatus `gorm:"type:varchar(16);not null;index:idx_tickets_status_expires" json:"status"`

	// Set together, only while Status is MATCHED. The partner's row mirrors
	// them: A.PartnerID = B.UserID and both share RoomID.
	PartnerID *string `json:"partner_id,omitempty"`
	RoomID    *string `json:"room_id,omitempty"`

	ExpiresAt time.Time `gorm:"not null;index:idx_tickets_status_expires" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	ArchivedAt *time.Time `gorm:"index" json:"archived_at,omitempty"`
}

// Accepts implements the partner-driven compatibility rule: the candidate
// takes the caller iff each of the candidate's non-empty preference sets
// includes the caller's single choice. All sets empty = accepts anything.
// The rule is intentionally one-sided; the caller's own sets already
// narrowed the candidate scan in the other direction.
func (t *MatchTicket) Accepts(language, difficulty, topic string) bool {
	if len(t.LanguagePref) > 0 && !t.LanguagePref.Contains(language) {
		return false
	}
	if len(t.DifficultyPref) > 0 && !t.DifficultyPref.Contains(difficulty) {
		return false
	}
	if len(t.TopicPref) > 0 && !t.TopicPref.Contains(topic) {
		return false
	}
	return true
}

// Overdue reports whether a QUEUED ticket has outlived its window at the
// given instant. Only meaningful for QUEUED rows.
func (t *MatchTicket) Overdue(now time.Time) bool {
	return t.Status == TicketStatusQueued && !t.ExpiresAt.After(now)
}
