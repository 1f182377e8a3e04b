package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"peer-match-system/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// MatchEventType names the terminal events a waiting client can receive.
type MatchEventType string

const (
	EventMatchFound MatchEventType = "MATCH_FOUND"
	EventTimeout    MatchEventType = "TIMEOUT"
)

// MatchEvent is the one-shot payload delivered to whoever is watching a user.
type MatchEvent struct {
	Type      MatchEventType `json:"type"`
	RoomID    string         `json:"roomId,omitempty"`
	PartnerID string         `json:"partnerId,omitempty"`
}

const (
	// Per-user Redis channels; the suffix is the user id.
	notifyChannelPrefix  = "match:events:"
	notifyChannelPattern = notifyChannelPrefix + "*"

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

type subscription struct {
	userID string
	fn     func(*MatchEvent)
}

// Notifier fans a user's match/timeout event out to local listeners, and
// bridges across processes over Redis pub/sub when a client is configured.
// It is best-effort by design: the ticket table stays the source of truth,
// and every long-lived stream keeps a poll fallback.
type Notifier struct {
	db  *gorm.DB
	rdb *redis.Client // nil = process-local fan-out only

	mu        sync.Mutex
	listeners map[string]map[*subscription]struct{}
}

func NewNotifier(db *gorm.DB, rdb *redis.Client) *Notifier {
	return &Notifier{
		db:        db,
		rdb:       rdb,
		listeners: make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers interest in the user's next terminal event and returns
// an idempotent unsubscribe handle. If the user already holds a completed
// pairing, the callback fires immediately instead of registering — that
// closes the race between "matched before you subscribed" and "after".
// Each registration fires at most once.
func (n *Notifier) Subscribe(userID string, fn func(*MatchEvent)) func() {
	if ev := n.currentPairing(userID); ev != nil {
		fn(ev)
		return func() {}
	}

	sub := &subscription{userID: userID, fn: fn}

	n.mu.Lock()
	set, ok := n.listeners[userID]
	if !ok {
		set = make(map[*subscription]struct{})
		n.listeners[userID] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		set, ok := n.listeners[userID]
		if !ok {
			return
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(n.listeners, userID)
		}
	}
}

// currentPairing probes the store for an already-completed match.
func (n *Notifier) currentPairing(userID string) *MatchEvent {
	var ticket models.MatchTicket
	err := n.db.Where("user_id = ? AND status = ?", userID, models.TicketStatusMatched).
		First(&ticket).Error
	if err != nil || ticket.RoomID == nil || ticket.PartnerID == nil {
		return nil
	}
	return &MatchEvent{
		Type:      EventMatchFound,
		RoomID:    *ticket.RoomID,
		PartnerID: *ticket.PartnerID,
	}
}

// Publish delivers event to every local listener for the user, clears their
// registrations, and forwards the event over the transport so listeners on
// other instances hear it too. A second publish racing an already-fired
// registration finds nothing and is dropped, not queued.
func (n *Notifier) Publish(userID string, event *MatchEvent) {
	n.deliverLocal(userID, event)

	if n.rdb == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Notifier] cannot marshal event for user %s: %v", userID, err)
		return
	}
	if err := n.rdb.Publish(context.Background(), notifyChannelPrefix+userID, payload).Err(); err != nil {
		// Pollers cover the gap; never surface transport trouble to callers.
		log.Printf("[Notifier] publish to redis failed for user %s: %v", userID, err)
	}
}

func (n *Notifier) deliverLocal(userID string, event *MatchEvent) {
	n.mu.Lock()
	set := n.listeners[userID]
	delete(n.listeners, userID)
	n.mu.Unlock()

	for sub := range set {
		sub.fn(event)
	}
}

// Run consumes the Redis side of the channel until ctx is done, reconnecting
// with capped exponential backoff whenever the transport drops. Events
// published during a disconnect window are lost here; the client poll
// fallback recovers them from the ticket table.
func (n *Notifier) Run(ctx context.Context) {
	if n.rdb == nil {
		log.Printf("[Notifier] no redis configured, notification fan-out is process-local")
		return
	}

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := n.rdb.PSubscribe(ctx, notifyChannelPattern)

		// Confirm the subscription before treating the transport as live.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Notifier] subscribe failed, retrying in %v: %v", delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectBaseDelay
		log.Printf("[Notifier] listening on %s", notifyChannelPattern)

		for msg := range pubsub.Channel() {
			n.dispatch(msg.Channel, msg.Payload)
		}
		pubsub.Close()
		log.Printf("[Notifier] redis subscription dropped, reconnecting")
	}
}

func (n *Notifier) dispatch(channel, payload string) {
	userID := strings.TrimPrefix(channel, notifyChannelPrefix)
	if userID == "" || userID == channel {
		return
	}
	var event MatchEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Printf("[Notifier] bad event payload on %s: %v", channel, err)
		return
	}
	n.deliverLocal(userID, &event)
}
