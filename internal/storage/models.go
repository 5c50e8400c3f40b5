package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Survey stages. A session row only exists while the survey is open;
// completed or abandoned sessions are deleted, never stored.
const (
	StageAwaitingRating = "awaiting_rating"
	StageAwaitingReason = "awaiting_reason"
)

// Session tracks where one conversation is in the survey flow, keyed by the
// canonical (country-prefixed) phone number.
type Session struct {
	PhoneNumber string
	Stage       string
	UpdatedAt   time.Time
}

// Response is one survey invocation for a customer order. FirstRating is nil
// until the first reply arrives and stays nil when no rating could be
// extracted from it.
type Response struct {
	ID             string
	PhoneNumber    string
	ClientID       string
	CustomerName   string
	Company        string
	OrderID        string
	Products       string
	FirstResponse  string
	FirstRating    *int
	SecondResponse string
	CreatedAt      time.Time
}

// OutboxMessage is a deferred outbound text message.
type OutboxMessage struct {
	ID          string
	PhoneNumber string
	Body        string
	Status      string // "pending", "sending", "sent", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// RatingSummary aggregates collected ratings across all responses.
type RatingSummary struct {
	Total         int     `json:"total"`
	Rated         int     `json:"rated"`
	AverageRating float64 `json:"average_rating"`
}
