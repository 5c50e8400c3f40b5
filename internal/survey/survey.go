// Package survey drives the two-question satisfaction survey conversation:
// which stage each customer is in, what gets persisted when, and which
// message goes out next.
package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/encuestabot/encuesta/internal/rating"
	"github.com/encuestabot/encuesta/internal/storage"
)

// ErrAlreadyContacted is returned when a survey was already started for the
// customer today, or when one is still in progress. The existing survey is
// left untouched.
var ErrAlreadyContacted = errors.New("customer already contacted today")

// ErrTransport marks outbound send failures during the opening sequence.
var ErrTransport = errors.New("transport error")

// Store is the persistence capability the manager needs: session state keyed
// by phone number plus the response record operations.
type Store interface {
	GetSession(phone string) (storage.Session, error)
	PutSession(sess storage.Session) error
	DeleteSession(phone string) error
	InsertResponse(r storage.Response) error
	UpdateFirstResponse(phone, text string, rating *int) error
	UpdateSecondResponse(phone, text string) error
	CountResponsesToday(phone string) (int, error)
}

// Sender delivers a text message immediately. Used for the opening sequence,
// where a failure must surface to the trigger caller.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// Outbox schedules a deferred text message. Follow-up sends go through it so
// the reply delay never blocks inbound processing.
type Outbox interface {
	EnqueueText(phone, body string, delay time.Duration) error
}

// Config tunes the manager.
type Config struct {
	// CountryCode is prepended to phone numbers that don't already carry it.
	CountryCode string
	// ReplyDelay is how long to wait before follow-up sends, so replies
	// don't read as instant automation.
	ReplyDelay time.Duration
}

// Manager runs the survey state machine. All mutable per-conversation state
// lives in the store; the manager only holds per-phone locks to keep inbound
// processing ordered within one conversation.
type Manager struct {
	store       Store
	sender      Sender
	outbox      Outbox
	countryCode string
	replyDelay  time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*phoneLock
}

// phoneLock serializes work for one conversation. refs counts holders and
// waiters so the map entry can be dropped once the last one releases it.
type phoneLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Manager. Zero-value config fields fall back to country code
// "591" and a 1s reply delay.
func New(store Store, sender Sender, outbox Outbox, cfg Config) *Manager {
	if cfg.CountryCode == "" {
		cfg.CountryCode = "591"
	}
	if cfg.ReplyDelay <= 0 {
		cfg.ReplyDelay = time.Second
	}
	return &Manager{
		store:       store,
		sender:      sender,
		outbox:      outbox,
		countryCode: cfg.CountryCode,
		replyDelay:  cfg.ReplyDelay,
		logger:      slog.Default(),
		locks:       make(map[string]*phoneLock),
	}
}

// StartRequest carries the trigger payload for one survey.
type StartRequest struct {
	PhoneNumber  string
	ClientID     string
	CustomerName string
	Company      string
	OrderID      string
	Products     string
}

// Start sends the opening messages and creates the survey session. It
// returns ErrAlreadyContacted when a survey is in progress or was already
// started today, and surfaces transport failures of the opening sends to the
// caller.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	phone := m.Normalize(req.PhoneNumber)
	if phone == "" {
		return "", errors.New("phone number is required")
	}

	l := m.lock(phone)
	defer m.unlock(phone, l)

	// Re-entrant trigger while a session is open: coalesce, don't restart.
	if _, err := m.store.GetSession(phone); err == nil {
		return "", ErrAlreadyContacted
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("checking session: %w", err)
	}

	count, err := m.store.CountResponsesToday(phone)
	if err != nil {
		return "", fmt.Errorf("checking contact history: %w", err)
	}
	if count > 0 {
		return "", ErrAlreadyContacted
	}

	if err := m.sender.SendText(ctx, phone, openingMessage(req)); err != nil {
		return "", fmt.Errorf("sending opening message: %w: %w", ErrTransport, err)
	}
	if err := m.sender.SendText(ctx, phone, ratingQuestion); err != nil {
		return "", fmt.Errorf("sending rating question: %w: %w", ErrTransport, err)
	}

	resp := storage.Response{
		ID:           uuid.New().String(),
		PhoneNumber:  phone,
		ClientID:     req.ClientID,
		CustomerName: req.CustomerName,
		Company:      req.Company,
		OrderID:      req.OrderID,
		Products:     req.Products,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.InsertResponse(resp); err != nil {
		return "", fmt.Errorf("recording survey: %w", err)
	}
	if err := m.store.PutSession(storage.Session{PhoneNumber: phone, Stage: storage.StageAwaitingRating}); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("survey started", "phone", phone, "response_id", resp.ID)
	return resp.ID, nil
}

// HandleInbound routes one received message to the session's current stage.
// A nil text means the message carried no usable text (sticker, audio, ...).
// Messages without an active session are dropped silently.
func (m *Manager) HandleInbound(ctx context.Context, from string, text *string) error {
	phone := m.Normalize(from)
	if phone == "" {
		return nil
	}

	l := m.lock(phone)
	defer m.unlock(phone, l)

	sess, err := m.store.GetSession(phone)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Debug("message without active session dropped", "phone", phone)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if text == nil {
		// Non-text reply abandons the survey; no outbound side effects.
		if err := m.store.DeleteSession(phone); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("abandoning session: %w", err)
		}
		m.logger.Info("session abandoned on non-text message", "phone", phone)
		return nil
	}

	switch sess.Stage {
	case storage.StageAwaitingRating:
		return m.handleRating(phone, *text)
	case storage.StageAwaitingReason:
		return m.handleReason(phone, *text)
	default:
		// Purge sessions in a stage this build doesn't know.
		if err := m.store.DeleteSession(phone); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("purging session: %w", err)
		}
		return fmt.Errorf("unknown session stage %q for %s", sess.Stage, phone)
	}
}

func (m *Manager) handleRating(phone, text string) error {
	var extracted *int
	if v, ok := rating.Extract(text); ok {
		extracted = &v
	}

	if err := m.store.UpdateFirstResponse(phone, text, extracted); err != nil {
		return fmt.Errorf("persisting first response: %w", err)
	}
	if err := m.store.PutSession(storage.Session{PhoneNumber: phone, Stage: storage.StageAwaitingReason}); err != nil {
		return fmt.Errorf("advancing session: %w", err)
	}

	// The reply is already recorded; a scheduling failure must not roll it back.
	if err := m.outbox.EnqueueText(phone, reasonQuestion, m.replyDelay); err != nil {
		m.logger.Error("scheduling follow-up question failed", "phone", phone, "error", err)
	}
	return nil
}

func (m *Manager) handleReason(phone, text string) error {
	if err := m.store.UpdateSecondResponse(phone, text); err != nil {
		return fmt.Errorf("persisting second response: %w", err)
	}
	if err := m.store.DeleteSession(phone); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("completing session: %w", err)
	}

	if err := m.outbox.EnqueueText(phone, thankYouMessage, m.replyDelay); err != nil {
		m.logger.Error("scheduling thank-you failed", "phone", phone, "error", err)
	}

	m.logger.Info("survey completed", "phone", phone)
	return nil
}

// Normalize reduces a phone number to its digits and prepends the country
// code when absent. Numbers that already carry the code are left alone, so
// "71234567" and "59171234567" map to the same conversation.
func (m *Manager) Normalize(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, m.countryCode) {
		digits = m.countryCode + digits
	}
	return digits
}

// lock acquires the conversation lock for phone, creating it on first use.
// Every lock call must be paired with unlock.
func (m *Manager) lock(phone string) *phoneLock {
	m.mu.Lock()
	l, ok := m.locks[phone]
	if !ok {
		l = &phoneLock{}
		m.locks[phone] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlock releases the conversation lock and drops the map entry once the
// last holder or waiter is gone.
func (m *Manager) unlock(phone string, l *phoneLock) {
	l.mu.Unlock()

	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, phone)
	}
	m.mu.Unlock()
}
