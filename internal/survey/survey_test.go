package survey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/encuestabot/encuesta/internal/storage"
)

type sentMessage struct {
	to   string
	body string
}

// fakeSender records synchronous sends and can simulate transport failures.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, body: body})
	return nil
}

type queuedMessage struct {
	phone string
	body  string
	delay time.Duration
}

// fakeOutbox records scheduled sends.
type fakeOutbox struct {
	mu     sync.Mutex
	queued []queuedMessage
	err    error
}

func (f *fakeOutbox) EnqueueText(phone, body string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, queuedMessage{phone: phone, body: body, delay: delay})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fakeSender, *fakeOutbox) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sender := &fakeSender{}
	outbox := &fakeOutbox{}
	m := New(store, sender, outbox, Config{CountryCode: "591", ReplyDelay: time.Second})
	return m, store, sender, outbox
}

func strPtr(s string) *string { return &s }

func startReq() StartRequest {
	return StartRequest{
		PhoneNumber:  "71234567",
		ClientID:     "c-1",
		CustomerName: "Maria",
		Company:      "Tienda Sur",
		OrderID:      "ped-9",
		Products:     "2x zapatos",
	}
}

func TestStartSurvey(t *testing.T) {
	m, store, sender, _ := newTestManager(t)

	id, err := m.Start(context.Background(), startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.sent))
	}
	if sender.sent[0].to != "59171234567" {
		t.Errorf("opening sent to %q, want country-prefixed number", sender.sent[0].to)
	}
	opening := sender.sent[0].body
	for _, part := range []string{"Maria", "Tienda Sur", "ped-9", "2x zapatos"} {
		if !strings.Contains(opening, part) {
			t.Errorf("opening message missing %q: %q", part, opening)
		}
	}
	if !strings.Contains(sender.sent[1].body, "escala del 1 al 5") {
		t.Errorf("second message is not the rating question: %q", sender.sent[1].body)
	}

	resp, err := store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.PhoneNumber != "59171234567" || resp.CustomerName != "Maria" {
		t.Errorf("response = %+v", resp)
	}

	sess, err := store.GetSession("59171234567")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Stage != storage.StageAwaitingRating {
		t.Errorf("Stage = %q, want %q", sess.Stage, storage.StageAwaitingRating)
	}
}

func TestStartRejectsSecondTriggerSameDay(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, startReq()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	// Complete the survey so no session remains, then trigger again.
	if err := m.HandleInbound(ctx, "59171234567", strPtr("5")); err != nil {
		t.Fatalf("HandleInbound rating: %v", err)
	}
	if err := m.HandleInbound(ctx, "59171234567", strPtr("todo bien")); err != nil {
		t.Fatalf("HandleInbound reason: %v", err)
	}

	if _, err := m.Start(ctx, startReq()); !errors.Is(err, ErrAlreadyContacted) {
		t.Fatalf("second Start: err = %v, want ErrAlreadyContacted", err)
	}

	responses, err := store.ListResponses(10, 0)
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(responses) != 1 {
		t.Errorf("response rows = %d, want 1", len(responses))
	}
}

func TestStartCoalescesActiveSession(t *testing.T) {
	m, store, sender, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, startReq()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	sentBefore := len(sender.sent)

	if _, err := m.Start(ctx, startReq()); !errors.Is(err, ErrAlreadyContacted) {
		t.Fatalf("re-entrant Start: err = %v, want ErrAlreadyContacted", err)
	}

	if len(sender.sent) != sentBefore {
		t.Errorf("re-entrant Start sent messages")
	}
	sess, err := store.GetSession("59171234567")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Stage != storage.StageAwaitingRating {
		t.Errorf("existing session modified: stage = %q", sess.Stage)
	}
}

func TestStartTransportFailure(t *testing.T) {
	m, store, sender, _ := newTestManager(t)
	sender.err = errors.New("gateway unreachable")

	_, err := m.Start(context.Background(), startReq())
	if err == nil {
		t.Fatal("Start succeeded despite send failure")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}

	responses, err := store.ListResponses(10, 0)
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(responses) != 0 {
		t.Errorf("response recorded despite send failure")
	}
	if _, err := store.GetSession("59171234567"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session created despite send failure: err = %v", err)
	}
}

func TestFullSurveyFlow(t *testing.T) {
	m, store, _, outbox := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.HandleInbound(ctx, "59171234567", strPtr("le doy 4 porque la entrega fue rápida")); err != nil {
		t.Fatalf("HandleInbound rating: %v", err)
	}

	resp, err := store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.FirstRating == nil || *resp.FirstRating != 4 {
		t.Errorf("FirstRating = %v, want 4", resp.FirstRating)
	}
	if !strings.Contains(resp.FirstResponse, "le doy 4") {
		t.Errorf("FirstResponse = %q", resp.FirstResponse)
	}

	sess, err := store.GetSession("59171234567")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Stage != storage.StageAwaitingReason {
		t.Errorf("Stage = %q, want %q", sess.Stage, storage.StageAwaitingReason)
	}

	if len(outbox.queued) != 1 || outbox.queued[0].body != reasonQuestion {
		t.Fatalf("outbox after rating = %+v, want the follow-up question", outbox.queued)
	}
	if outbox.queued[0].delay != time.Second {
		t.Errorf("delay = %v, want 1s", outbox.queued[0].delay)
	}

	if err := m.HandleInbound(ctx, "59171234567", strPtr("la atención fue muy buena")); err != nil {
		t.Fatalf("HandleInbound reason: %v", err)
	}

	resp, err = store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.SecondResponse != "la atención fue muy buena" {
		t.Errorf("SecondResponse = %q", resp.SecondResponse)
	}

	if _, err := store.GetSession("59171234567"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session still present after completion: err = %v", err)
	}
	if len(outbox.queued) != 2 || outbox.queued[1].body != thankYouMessage {
		t.Fatalf("outbox after completion = %+v, want thank-you", outbox.queued)
	}

	// A further message for the completed conversation is a no-op.
	if err := m.HandleInbound(ctx, "59171234567", strPtr("y otra cosa")); err != nil {
		t.Fatalf("HandleInbound after completion: %v", err)
	}
	resp, err = store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.SecondResponse != "la atención fue muy buena" {
		t.Errorf("completed response modified: %q", resp.SecondResponse)
	}
	if len(outbox.queued) != 2 {
		t.Errorf("outbox grew after completion: %d entries", len(outbox.queued))
	}
}

func TestRatingNotFoundStillAdvances(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.HandleInbound(ctx, "59171234567", strPtr("no sé qué decir")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	resp, err := store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.FirstRating != nil {
		t.Errorf("FirstRating = %v, want nil", *resp.FirstRating)
	}
	if resp.FirstResponse != "no sé qué decir" {
		t.Errorf("FirstResponse = %q", resp.FirstResponse)
	}

	sess, err := store.GetSession("59171234567")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Stage != storage.StageAwaitingReason {
		t.Errorf("Stage = %q, want %q", sess.Stage, storage.StageAwaitingReason)
	}
}

func TestNonTextMessageAbandonsSession(t *testing.T) {
	m, store, _, outbox := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.HandleInbound(ctx, "59171234567", nil); err != nil {
		t.Fatalf("HandleInbound nil text: %v", err)
	}

	if _, err := store.GetSession("59171234567"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session not deleted: err = %v", err)
	}
	if len(outbox.queued) != 0 {
		t.Errorf("abandonment scheduled outbound messages: %+v", outbox.queued)
	}

	resp, err := store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.FirstResponse != "" || resp.SecondResponse != "" {
		t.Errorf("abandoned response has replies: %+v", resp)
	}
}

func TestUnsolicitedMessageIgnored(t *testing.T) {
	m, _, sender, outbox := newTestManager(t)

	if err := m.HandleInbound(context.Background(), "59179999999", strPtr("hola?")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(sender.sent) != 0 || len(outbox.queued) != 0 {
		t.Errorf("unsolicited message triggered sends: sent=%d queued=%d", len(sender.sent), len(outbox.queued))
	}
}

func TestNormalize(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	tests := []struct {
		in   string
		want string
	}{
		{"71234567", "59171234567"},
		{"59171234567", "59171234567"},
		{"+591 71234567", "59171234567"},
		{"591-712-34-567", "59171234567"},
		{"", ""},
		{"abc", ""},
	}

	for _, tt := range tests {
		if got := m.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestConcurrentInboundSameConversation hammers one conversation from several
// goroutines and verifies the session never advances past completion and the
// store ends in a consistent state.
func TestConcurrentInboundSameConversation(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.HandleInbound(ctx, "59171234567", strPtr("4"))
		}()
	}
	wg.Wait()

	// After any interleaving, the response exists and the survey is either
	// awaiting the reason or done; it must never regress to awaiting_rating.
	resp, err := store.GetResponse(id)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.FirstRating == nil || *resp.FirstRating != 4 {
		t.Errorf("FirstRating = %v, want 4", resp.FirstRating)
	}
	if sess, err := store.GetSession("59171234567"); err == nil {
		if sess.Stage == storage.StageAwaitingRating {
			t.Errorf("session regressed to %q", sess.Stage)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSession: %v", err)
	}
}

func TestConversationLocksReleased(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	phones := []string{"59171234567", "59170000001", "59170000002"}
	for i, p := range phones {
		req := startReq()
		req.PhoneNumber = p
		if _, err := m.Start(ctx, req); err != nil {
			t.Fatalf("Start(%d): %v", i, err)
		}
		if err := m.HandleInbound(ctx, p, strPtr("4")); err != nil {
			t.Fatalf("HandleInbound rating (%d): %v", i, err)
		}
		if err := m.HandleInbound(ctx, p, strPtr("todo bien")); err != nil {
			t.Fatalf("HandleInbound reason (%d): %v", i, err)
		}
	}

	// No conversation is in flight, so no per-phone lock should linger.
	m.mu.Lock()
	held := len(m.locks)
	m.mu.Unlock()
	if held != 0 {
		t.Errorf("lock map holds %d entries after all surveys completed, want 0", held)
	}
}
