package models

import (
	"testing"
	"time"
)

func TestAcceptsWildcard(t *testing.T) {
	ticket := &MatchTicket{}
	if !ticket.Accepts("python", "easy", "graphs") {
		t.Error("empty preference sets must accept anything")
	}
}

func TestAcceptsChecksEverySet(t *testing.T) {
	ticket := &MatchTicket{
		LanguagePref:   StringList{"python", "go"},
		DifficultyPref: StringList{"easy"},
		TopicPref:      nil, // wildcard
	}

	if !ticket.Accepts("go", "easy", "anything") {
		t.Error("caller inside every non-empty set must be accepted")
	}
	if ticket.Accepts("rust", "easy", "graphs") {
		t.Error("language outside the set must be rejected")
	}
	if ticket.Accepts("python", "hard", "graphs") {
		t.Error("difficulty outside the set must be rejected")
	}
}

func TestAcceptsSingleFailingSetRejects(t *testing.T) {
	ticket := &MatchTicket{DifficultyPref: StringList{"hard"}}
	if ticket.Accepts("python", "easy", "graphs") {
		t.Error("one failing set is enough to reject")
	}
}

func TestStatusTerminal(t *testing.T) {
	if TicketStatusQueued.Terminal() {
		t.Error("QUEUED must not be terminal")
	}
	for _, s := range []TicketStatus{TicketStatusMatched, TicketStatusCancelled, TicketStatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestOverdue(t *testing.T) {
	now := time.Now()

	queued := &MatchTicket{Status: TicketStatusQueued, ExpiresAt: now.Add(-time.Second)}
	if !queued.Overdue(now) {
		t.Error("queued past expiry must be overdue")
	}

	live := &MatchTicket{Status: TicketStatusQueued, ExpiresAt: now.Add(time.Minute)}
	if live.Overdue(now) {
		t.Error("queued before expiry must not be overdue")
	}

	matched := &MatchTicket{Status: TicketStatusMatched, ExpiresAt: now.Add(-time.Minute)}
	if matched.Overdue(now) {
		t.Error("only queued rows can be overdue")
	}
}

func TestStringListScanRoundTrip(t *testing.T) {
	var l StringList
	if err := l.Scan(`["python","go"]`); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(l) != 2 || !l.Contains("go") {
		t.Fatalf("scanned: %v", l)
	}

	v, err := StringList(nil).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != "[]" {
		t.Fatalf("nil list value: got %v, want []", v)
	}
}
