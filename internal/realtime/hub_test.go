package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventPatternOccurrence, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventPatternOccurrence, EventRiskScoreUpdated},
	}}

	occurrence := &Event{Type: EventPatternOccurrence}
	riskUpdate := &Event{Type: EventRiskScoreUpdated}
	granted := &Event{Type: EventPermissionGranted}

	if !h.shouldSend(client, occurrence) {
		t.Error("Should receive occurrence events")
	}
	if !h.shouldSend(client, riskUpdate) {
		t.Error("Should receive risk score events")
	}
	if h.shouldSend(client, granted) {
		t.Error("Should NOT receive permission events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xwatched"},
	}}

	matching := &Event{
		Type: EventPatternOccurrence,
		Data: map[string]interface{}{"detectedAddress": "0xwatched", "patternHash": "0xp1"},
	}
	notMatching := &Event{
		Type: EventPatternOccurrence,
		Data: map[string]interface{}{"detectedAddress": "0xother"},
	}
	matchingRisk := &Event{
		Type: EventRiskScoreUpdated,
		Data: map[string]interface{}{"address": "0xwatched", "riskScore": 80.0},
	}
	matchingGrant := &Event{
		Type: EventPermissionGranted,
		Data: map[string]interface{}{"user": "0xother", "target": "0xwatched"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on detectedAddress")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated wallets")
	}
	if !h.shouldSend(client, matchingRisk) {
		t.Error("Should match on address")
	}
	if !h.shouldSend(client, matchingGrant) {
		t.Error("Should match on target")
	}
}

func TestShouldSend_MinSeverityFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinSeverity: 70,
	}}

	severe := &Event{
		Type: EventPatternOccurrence,
		Data: map[string]interface{}{"severity": 90.0},
	}
	mild := &Event{
		Type: EventPatternOccurrence,
		Data: map[string]interface{}{"severity": 30.0},
	}
	riskUpdate := &Event{
		Type: EventRiskScoreUpdated,
		Data: map[string]interface{}{"riskScore": 10.0},
	}

	if !h.shouldSend(client, severe) {
		t.Error("Should receive severe occurrence")
	}
	if h.shouldSend(client, mild) {
		t.Error("Should NOT receive mild occurrence")
	}
	if !h.shouldSend(client, riskUpdate) {
		t.Error("MinSeverity filter should only apply to occurrences")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventPatternOccurrence}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xwatched"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventPatternDeactivated,
		Data: "string data not a map",
	}

	// Address filter skips non-map data (can't extract addresses), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when address filter can't extract addresses")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventPatternOccurrence, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventPatternOccurrence,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"patternHash": "0xp1", "severity": 90.0},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PublishEventFlattensPayload(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Only watching one wallet: the filter must see the struct's fields.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Addresses: []string{"0xwatched"}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	type payload struct {
		Address   string `json:"address"`
		RiskScore int    `json:"riskScore"`
	}
	h.PublishEvent(string(EventRiskScoreUpdated), payload{Address: "0xwatched", RiskScore: 85})

	select {
	case msg := <-client.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != EventRiskScoreUpdated {
			t.Errorf("type = %s", got.Type)
		}
		data := got.Data.(map[string]interface{})
		if data["address"] != "0xwatched" {
			t.Errorf("payload not flattened: %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for published event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants permission grants
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventPermissionGranted}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an occurrence event (should be filtered out)
	h.Broadcast(&Event{Type: EventPatternOccurrence, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive occurrence event")
	default:
		// Good - filtered out
	}

	// Send a grant event (should be received)
	h.Broadcast(&Event{Type: EventPermissionGranted, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive grant event")
	}
}
