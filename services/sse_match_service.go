package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"peer-match-system/utils"

	"github.com/gofiber/fiber/v2"
)

const (
	keepAliveInterval   = 15 * time.Second
	defaultPollInterval = 2 * time.Second
	minPollInterval     = 500 * time.Millisecond
)

// StreamMatchEvents streams a user's matchmaking outcome over SSE: keep-alive
// comments while waiting, then exactly one terminal frame (match or timeout)
// and a clean close. Three timers race on the connection — push delivery,
// the poll fallback, and the wait deadline — and whichever fires first wins;
// the deferred teardown runs the same way for all of them.
func (s *MatchService) StreamMatchEvents(c *fiber.Ctx) error {
	userID := strings.TrimSpace(resolveUserID(c, c.Query("user_id")))
	if err := utils.ValidUserID(userID); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	waitMs, err := utils.ClampTTL(int64(c.QueryInt("ttl_ms", 0)))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	maxWait := time.Duration(waitMs) * time.Millisecond

	pollInterval := defaultPollInterval
	if hint := c.QueryInt("poll_ms", 0); hint > 0 {
		pollInterval = time.Duration(hint) * time.Millisecond
		if pollInterval < minPollInterval {
			pollInterval = minPollInterval
		}
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	ctx := c.Context()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		// Buffered so a push during a poll write is kept, and a second
		// publish racing the first is simply dropped.
		events := make(chan *MatchEvent, 1)
		unsubscribe := s.Notifier.Subscribe(userID, func(ev *MatchEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		poll := time.NewTicker(pollInterval)
		defer poll.Stop()
		deadline := time.NewTimer(maxWait)
		defer deadline.Stop()

		// Initial keepalive (comment event) so proxies commit to the stream.
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case ev := <-events:
				writeSSEEvent(w, ev)
				return

			case <-poll.C:
				// Push and commit visibility are not strictly ordered across
				// processes; the ticket table is ground truth.
				status, err := s.GetTicketStatus(context.Background(), userID)
				if err != nil {
					log.Printf("[MatchStream] poll failed for user %s: %v", userID, err)
					continue
				}
				switch status.Status {
				case "matched":
					writeSSEEvent(w, &MatchEvent{
						Type:      EventMatchFound,
						RoomID:    status.RoomID,
						PartnerID: status.PartnerID,
					})
					return
				case "cancelled", "not_found":
					// Ticket gone mid-wait (cancelled or swept): resolve the
					// stream rather than leave the client hanging.
					writeSSEEvent(w, &MatchEvent{Type: EventTimeout})
					return
				}

			case <-deadline.C:
				writeSSEEvent(w, &MatchEvent{Type: EventTimeout})
				return

			case <-keepAlive.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-ctx.Done():
				// Client closed connection
				return
			}
		}
	})

	return nil
}

func writeSSEEvent(w *bufio.Writer, ev *MatchEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[MatchStream] cannot marshal event: %v", err)
		return
	}
	name := "match"
	if ev.Type == EventTimeout {
		name = "timeout"
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	w.Flush()
}
