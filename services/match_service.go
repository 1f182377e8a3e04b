package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"peer-match-system/models"
	"peer-match-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

const (
	// Upper bound on rows scanned per match attempt. Caps transaction cost
	// under a large queue; anyone beyond the window waits for a later caller.
	candidateBatchSize = 25

	defaultTxTimeout = 5 * time.Second
)

// ErrValidation marks request errors rejected before any transaction begins.
var ErrValidation = errors.New("invalid match request")

// MatchService owns the ticket table and the pairing transaction.
type MatchService struct {
	DB        *gorm.DB
	Notifier  *Notifier
	TxTimeout time.Duration
}

func NewMatchService(db *gorm.DB, notifier *Notifier) *MatchService {
	return &MatchService{
		DB:        db,
		Notifier:  notifier,
		TxTimeout: defaultTxTimeout,
	}
}

// MatchRequest is one user's pairing request.
type MatchRequest struct {
	UserID     string `json:"userId"`
	Language   string `json:"language"`
	Difficulty string `json:"difficulty"`
	Topic      string `json:"topic"`
	TTLMillis  int64  `json:"ttlMs"`

	// Acceptable partner values; empty means anything goes.
	LanguageIn   []string `json:"languageIn,omitempty"`
	DifficultyIn []string `json:"difficultyIn,omitempty"`
	TopicIn      []string `json:"topicIn,omitempty"`
}

// normalize canonicalizes every textual field and validates the request.
// Runs before the transaction so bad input never costs a DB round trip.
func (r *MatchRequest) normalize() error {
	// The user id is opaque: trim it, never case-fold it.
	r.UserID = strings.TrimSpace(r.UserID)
	r.Language = utils.NormalizeField(r.Language)
	r.Difficulty = utils.NormalizeField(r.Difficulty)
	r.Topic = utils.NormalizeField(r.Topic)
	r.LanguageIn = utils.NormalizeSet(r.LanguageIn)
	r.DifficultyIn = utils.NormalizeSet(r.DifficultyIn)
	r.TopicIn = utils.NormalizeSet(r.TopicIn)

	if err := utils.ValidUserID(r.UserID); err != nil {
		return err
	}
	if err := utils.ValidField("language", r.Language); err != nil {
		return err
	}
	if err := utils.ValidDifficulty(r.Difficulty); err != nil {
		return err
	}
	if err := utils.ValidField("topic", r.Topic); err != nil {
		return err
	}
	for _, d := range r.DifficultyIn {
		if err := utils.ValidDifficulty(d); err != nil {
			return err
		}
	}
	return nil
}

// MatchResult is the synchronous answer to a pairing request.
type MatchResult struct {
	Status    string     `json:"status"` // matched | queued | already_matched
	RoomID    string     `json:"roomId,omitempty"`
	PartnerID string     `json:"partnerId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// newRoomID builds the opaque room identifier handed to both partners. The
// slug prefix keeps room ids readable in logs; the uuid carries uniqueness.
func newRoomID(topic string) string {
	return fmt.Sprintf("%s-%s", slug.Make(topic), uuid.NewString())
}

// EnqueueOrMatch runs the whole pairing attempt in one transaction: pair
// with the oldest compatible waiting ticket, or queue the caller. Correctness
// under concurrent callers comes entirely from row locks, a waiting lock on
// the caller's own row plus the skip-locked candidate scan; there is no
// in-memory lock to hold.
func (s *MatchService) EnqueueOrMatch(ctx context.Context, req *MatchRequest) (*MatchResult, error) {
	if err := req.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ttlMs, err := utils.ClampTTL(req.TTLMillis)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ttl := time.Duration(ttlMs) * time.Millisecond

	var (
		result    *MatchResult
		partnerID string // set only when this call created a fresh pairing
	)

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		// Lock our own row first, waiting if a concurrent matcher holds it
		// as a claimed candidate. Everything below then runs against the
		// committed outcome, so the final upsert can never clobber a pairing
		// another transaction just made for us.
		existing, err := lockTicketByUser(tx, req.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Retire our own overdue queued row. The sweeper is the primary
			// expirer; this keeps a stale row from confusing the retry check.
			if existing.Overdue(now) {
				if err := tx.Model(&models.MatchTicket{}).
					Where("id = ? AND status = ?", existing.ID, models.TicketStatusQueued).
					Update("status", models.TicketStatusExpired).Error; err != nil {
					return err
				}
			} else if existing.Status == models.TicketStatusMatched &&
				existing.PartnerID != nil && existing.RoomID != nil {
				// Idempotent retry: a client that calls twice before seeing
				// its first response gets the same pairing back, not a
				// second match.
				result = &MatchResult{
					Status:    "already_matched",
					RoomID:    *existing.RoomID,
					PartnerID: *existing.PartnerID,
				}
				return nil
			}
		}

		candidates, err := lockCandidates(tx, req, now, candidateBatchSize)
		if err != nil {
			return err
		}

		expiresAt := now.Add(ttl)

		// FIFO: the oldest candidate that accepts the caller wins outright.
		for i := range candidates {
			cand := &candidates[i]
			if !cand.Accepts(req.Language, req.Difficulty, req.Topic) {
				continue
			}

			// The candidate queued first, so its topic names the room.
			roomID := newRoomID(cand.Topic)

			res := tx.Model(&models.MatchTicket{}).
				Where("id = ? AND status = ?", cand.ID, models.TicketStatusQueued).
				Updates(map[string]interface{}{
					"status":     models.TicketStatusMatched,
					"partner_id": req.UserID,
					"room_id":    roomID,
					"expires_at": expiresAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Row slipped away despite the lock; treat as incompatible.
				continue
			}

			ticket := models.MatchTicket{
				ID:             uuid.NewString(),
				UserID:         req.UserID,
				Language:       req.Language,
				Difficulty:     req.Difficulty,
				Topic:          req.Topic,
				LanguagePref:   req.LanguageIn,
				DifficultyPref: req.DifficultyIn,
				TopicPref:      req.TopicIn,
				Status:         models.TicketStatusMatched,
				PartnerID:      &cand.UserID,
				RoomID:         &roomID,
				ExpiresAt:      expiresAt,
			}
			if err := upsertTicket(tx, &ticket); err != nil {
				return err
			}

			partnerID = cand.UserID
			result = &MatchResult{
				Status:    "matched",
				RoomID:    roomID,
				PartnerID: cand.UserID,
			}
			return nil
		}

		// Nobody compatible right now: queue the caller and wait.
		ticket := models.MatchTicket{
			ID:             uuid.NewString(),
			UserID:         req.UserID,
			Language:       req.Language,
			Difficulty:     req.Difficulty,
			Topic:          req.Topic,
			LanguagePref:   req.LanguageIn,
			DifficultyPref: req.DifficultyIn,
			TopicPref:      req.TopicIn,
			Status:         models.TicketStatusQueued,
			ExpiresAt:      expiresAt,
		}
		if err := upsertTicket(tx, &ticket); err != nil {
			return err
		}
		result = &MatchResult{Status: "queued", ExpiresAt: &expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Push only after commit, so listeners never hear about a pairing that
	// later rolled back. The notifier is best-effort; the store stays the
	// source of truth for pollers.
	if partnerID != "" {
		s.Notifier.Publish(partnerID, &MatchEvent{
			Type:      EventMatchFound,
			RoomID:    result.RoomID,
			PartnerID: req.UserID,
		})
		s.Notifier.Publish(req.UserID, &MatchEvent{
			Type:      EventMatchFound,
			RoomID:    result.RoomID,
			PartnerID: partnerID,
		})
	}
	return result, nil
}

// StatusResult is the answer to a status or cancel query.
type StatusResult struct {
	Status    string     `json:"status"` // matched | queued | cancelled | not_found
	RoomID    string     `json:"roomId,omitempty"`
	PartnerID string     `json:"partnerId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// GetTicketStatus reports the user's current ticket. A queued ticket found
// past its window is lazily flipped to EXPIRED and reported as not_found, so
// clients never see a zombie queue entry. EXPIRED reads as not_found too.
func (s *MatchService) GetTicketStatus(ctx context.Context, userID string) (*StatusResult, error) {
	userID = strings.TrimSpace(userID)
	if err := utils.ValidUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ticket, err := findTicketByUser(s.DB.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return &StatusResult{Status: "not_found"}, nil
	}

	switch ticket.Status {
	case models.TicketStatusMatched:
		res := &StatusResult{Status: "matched"}
		if ticket.RoomID != nil {
			res.RoomID = *ticket.RoomID
		}
		if ticket.PartnerID != nil {
			res.PartnerID = *ticket.PartnerID
		}
		return res, nil

	case models.TicketStatusCancelled:
		return &StatusResult{Status: "cancelled"}, nil

	case models.TicketStatusQueued:
		if ticket.Overdue(time.Now()) {
			// Lazy expiry; the status guard keeps this idempotent against a
			// concurrent sweeper pass.
			if err := s.DB.WithContext(ctx).Model(&models.MatchTicket{}).
				Where("id = ? AND status = ?", ticket.ID, models.TicketStatusQueued).
				Update("status", models.TicketStatusExpired).Error; err != nil {
				log.Printf("[MatchService] lazy expiry failed for ticket %s: %v", ticket.ID, err)
			}
			return &StatusResult{Status: "not_found"}, nil
		}
		expires := ticket.ExpiresAt
		return &StatusResult{Status: "queued", ExpiresAt: &expires}, nil

	default: // EXPIRED
		return &StatusResult{Status: "not_found"}, nil
	}
}

// CancelTicket flips a live ticket to CANCELLED. Idempotent: repeating the
// call, or cancelling a user with no live ticket, reports the current state
// instead of erroring. The row is kept, never deleted.
func (s *MatchService) CancelTicket(ctx context.Context, userID string) (*StatusResult, error) {
	userID = strings.TrimSpace(userID)
	if err := utils.ValidUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ticket, err := findTicketByUser(s.DB.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	if ticket == nil || ticket.Status == models.TicketStatusExpired {
		return &StatusResult{Status: "not_found"}, nil
	}
	if ticket.Status == models.TicketStatusCancelled {
		return &StatusResult{Status: "cancelled"}, nil
	}
	if ticket.Overdue(time.Now()) {
		// A dead ticket reads the same from every endpoint: expire it here
		// exactly as the status query would, instead of cancelling it.
		if err := s.DB.WithContext(ctx).Model(&models.MatchTicket{}).
			Where("id = ? AND status = ?", ticket.ID, models.TicketStatusQueued).
			Update("status", models.TicketStatusExpired).Error; err != nil {
			log.Printf("[MatchService] lazy expiry failed for ticket %s: %v", ticket.ID, err)
		}
		return &StatusResult{Status: "not_found"}, nil
	}

	if err := s.DB.WithContext(ctx).Model(&models.MatchTicket{}).
		Where("id = ? AND status = ?", ticket.ID, ticket.Status).
		Update("status", models.TicketStatusCancelled).Error; err != nil {
		return nil, err
	}
	return &StatusResult{Status: "cancelled"}, nil
}

// ---- Fiber handlers ----

// resolveUserID prefers the gateway-provided identity over the body/query
// value, so a client cannot act on someone else's ticket.
func resolveUserID(c *fiber.Ctx, fallback string) string {
	if uid, ok := c.Locals("user_id").(string); ok && uid != "" {
		return uid
	}
	return fallback
}

// RequestMatch handles POST /match/request.
func (s *MatchService) RequestMatch(c *fiber.Ctx) error {
	var req MatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	req.UserID = resolveUserID(c, req.UserID)

	ctx, cancel := context.WithTimeout(c.Context(), s.TxTimeout)
	defer cancel()

	result, err := s.EnqueueOrMatch(ctx, &req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("[MatchService] enqueueOrMatch failed for user %s: %v", req.UserID, err)
		// Lock waits and serialization failures land here; the operation is
		// idempotent by user id, so the client may simply retry.
		return c.Status(500).JSON(fiber.Map{"error": "matching failed, safe to retry"})
	}
	return c.JSON(result)
}

// GetStatus handles GET /match/status.
func (s *MatchService) GetStatus(c *fiber.Ctx) error {
	userID := resolveUserID(c, c.Query("user_id"))
	result, err := s.GetTicketStatus(c.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("[MatchService] status query failed for user %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}
	return c.JSON(result)
}

// Cancel handles DELETE /match.
func (s *MatchService) Cancel(c *fiber.Ctx) error {
	userID := resolveUserID(c, c.Query("user_id"))
	result, err := s.CancelTicket(c.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("[MatchService] cancel failed for user %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}
	return c.JSON(result)
}
