package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/assuredefi/mason-autopilot/internal/backoff"
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/store"
)

type fakeChannelStore struct {
	channels   []*domain.NotificationChannel
	deliveries []*store.DeliveryLog
	saveErr    error
}

func (f *fakeChannelStore) ListChannels(userID string) ([]*domain.NotificationChannel, error) {
	return f.channels, nil
}

func (f *fakeChannelStore) SaveDelivery(d *store.DeliveryLog) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

// scriptedSender returns canned results per attempt
type scriptedSender struct {
	results []domain.DeliveryResult
	calls   int
}

func (s *scriptedSender) Send(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult {
	r := s.results[s.calls]
	if s.calls < len(s.results)-1 {
		s.calls++
	}
	return r
}

func testEvent() *domain.NotificationEvent {
	return &domain.NotificationEvent{
		Type:           domain.EventExecutionCompleted,
		UserID:         "u1",
		RepositoryID:   "r1",
		RepositoryName: "example/repo",
		OccurredAt:     time.Now(),
		Data:           domain.ExecutionCompletedData{ItemID: "i1", Title: "Fix bug"},
	}
}

func newTestDispatcher(cs ChannelStore) (*Dispatcher, *[]time.Duration) {
	var delays []time.Duration
	d := New(cs, backoff.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	d.sleep = func(dur time.Duration) { delays = append(delays, dur) }
	return d, &delays
}

func TestDispatcher_TerminalFailureSingleAttempt(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "ch1", UserID: "u1", Type: domain.ChannelWebhook, Enabled: true},
	}}
	d, delays := newTestDispatcher(cs)

	sender := &scriptedSender{results: []domain.DeliveryResult{
		{Success: false, Error: "endpoint returned 404", StatusCode: 404, Retryable: false},
	}}
	d.SetSender(domain.ChannelWebhook, sender)

	results := d.Dispatch(context.Background(), testEvent())

	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1", len(results))
	}
	if results[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want exactly 1 for terminal failure", results[0].Attempts)
	}
	if len(*delays) != 0 {
		t.Errorf("no backoff sleeps expected, got %v", *delays)
	}
}

func TestDispatcher_RetryableFailureThenSuccess(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "ch1", UserID: "u1", Type: domain.ChannelWebhook, Enabled: true},
	}}
	d, delays := newTestDispatcher(cs)

	sender := &scriptedSender{results: []domain.DeliveryResult{
		{Success: false, Error: "endpoint returned 503", StatusCode: 503, Retryable: true},
		{Success: false, Error: "endpoint returned 503", StatusCode: 503, Retryable: true},
		{Success: true, StatusCode: 200},
	}}
	d.SetSender(domain.ChannelWebhook, sender)

	results := d.Dispatch(context.Background(), testEvent())

	if !results[0].Success {
		t.Error("expected eventual success")
	}
	if results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", results[0].Attempts)
	}
	// Delays between attempts are base, 2*base
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != 2 || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "ch1", UserID: "u1", Type: domain.ChannelWebhook, Enabled: true},
	}}
	d, _ := newTestDispatcher(cs)

	sender := &scriptedSender{results: []domain.DeliveryResult{
		{Success: false, Error: "endpoint returned 500", StatusCode: 500, Retryable: true},
	}}
	d.SetSender(domain.ChannelWebhook, sender)

	results := d.Dispatch(context.Background(), testEvent())

	if results[0].Success {
		t.Error("expected failure after exhausted retries")
	}
	if results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want max of 3", results[0].Attempts)
	}
}

func TestDispatcher_ChannelFiltering(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "match", UserID: "u1", Type: domain.ChannelEmail, Enabled: true},
		{ID: "disabled", UserID: "u1", Type: domain.ChannelEmail, Enabled: false},
		{ID: "other-repo", UserID: "u1", RepositoryID: "r2", Type: domain.ChannelEmail, Enabled: true},
		{ID: "wrong-event", UserID: "u1", Type: domain.ChannelEmail, Enabled: true,
			EventTypes: []domain.EventType{domain.EventDailyDigest}},
	}}
	d, _ := newTestDispatcher(cs)

	results := d.Dispatch(context.Background(), testEvent())

	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1 (only the matching channel)", len(results))
	}
	if results[0].ChannelID != "match" {
		t.Errorf("delivered to %s, want match", results[0].ChannelID)
	}
}

func TestDispatcher_DeliveryLogged(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "ch1", UserID: "u1", Type: domain.ChannelEmail, Enabled: true},
	}}
	d, _ := newTestDispatcher(cs)

	d.Dispatch(context.Background(), testEvent())

	if len(cs.deliveries) != 1 {
		t.Fatalf("delivery log count = %d, want 1", len(cs.deliveries))
	}
	entry := cs.deliveries[0]
	if entry.ChannelID != "ch1" || !entry.Success || entry.Attempts != 1 {
		t.Errorf("delivery log = %+v", entry)
	}
}

func TestDispatcher_LogWriteFailureSwallowed(t *testing.T) {
	cs := &fakeChannelStore{
		channels: []*domain.NotificationChannel{
			{ID: "ch1", UserID: "u1", Type: domain.ChannelEmail, Enabled: true},
		},
		saveErr: errors.New("disk full"),
	}
	d, _ := newTestDispatcher(cs)

	results := d.Dispatch(context.Background(), testEvent())

	if len(results) != 1 || !results[0].Success {
		t.Error("a failed delivery-log write must not affect the delivery result")
	}
}

func TestDispatcher_IndependentChannels(t *testing.T) {
	cs := &fakeChannelStore{channels: []*domain.NotificationChannel{
		{ID: "bad", UserID: "u1", Type: domain.ChannelWebhook, Enabled: true},
		{ID: "good", UserID: "u1", Type: domain.ChannelEmail, Enabled: true},
	}}
	d, _ := newTestDispatcher(cs)

	d.SetSender(domain.ChannelWebhook, &scriptedSender{results: []domain.DeliveryResult{
		{Success: false, Error: "endpoint returned 400", StatusCode: 400},
	}})

	results := d.Dispatch(context.Background(), testEvent())

	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	if results[0].Success {
		t.Error("webhook channel should have failed")
	}
	if !results[1].Success {
		t.Error("email channel should succeed despite the webhook failure")
	}
}
