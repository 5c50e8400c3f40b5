// Package api holds the HTTP surface: management routes for triggering
// surveys and reading responses, the inbound-message webhook, and the MCP
// server exposing collected results.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/encuestabot/encuesta/internal/storage"
	"github.com/encuestabot/encuesta/internal/survey"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SurveyService is the slice of the survey manager the HTTP layer needs.
type SurveyService interface {
	Start(ctx context.Context, req survey.StartRequest) (string, error)
	HandleInbound(ctx context.Context, from string, text *string) error
}

// ResponseStore reads collected survey responses.
type ResponseStore interface {
	GetResponse(id string) (storage.Response, error)
	ListResponses(limit, offset int) ([]storage.Response, error)
}

// AppDeps holds dependencies for the management handler.
type AppDeps struct {
	Surveys SurveyService
	Store   ResponseStore
	Token   string
}

// NewAppHandler returns the management API handler. All routes except the
// health probe sit behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/surveys", handleStartSurvey(deps))
		r.Get("/responses", handleListResponses(deps))
		r.Get("/responses/{id}", handleGetResponse(deps))
	})

	return r
}

// StartSurveyRequest is the trigger payload.
type StartSurveyRequest struct {
	PhoneNumber  string `json:"phone_number"`
	ClientID     string `json:"client_id"`
	CustomerName string `json:"customer_name"`
	Company      string `json:"company"`
	OrderID      string `json:"order_id"`
	Products     string `json:"products"`
}

func handleStartSurvey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartSurveyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PhoneNumber == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "phone_number is required")
			return
		}

		id, err := deps.Surveys.Start(r.Context(), survey.StartRequest{
			PhoneNumber:  req.PhoneNumber,
			ClientID:     req.ClientID,
			CustomerName: req.CustomerName,
			Company:      req.Company,
			OrderID:      req.OrderID,
			Products:     req.Products,
		})
		switch {
		case errors.Is(err, survey.ErrAlreadyContacted):
			httpError(w, http.StatusConflict, "already_contacted", "a survey was already sent to this customer today")
			return
		case errors.Is(err, survey.ErrTransport):
			httpError(w, http.StatusBadGateway, "api_error", "failed to send survey: %v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start survey: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"response_id": id,
			"status":      "sent",
		})
	}
}

// responseJSON shapes a storage.Response for the wire.
type responseJSON struct {
	ID             string `json:"id"`
	PhoneNumber    string `json:"phone_number"`
	ClientID       string `json:"client_id,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	Company        string `json:"company,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	Products       string `json:"products,omitempty"`
	FirstResponse  string `json:"first_response,omitempty"`
	FirstRating    *int   `json:"first_rating"`
	SecondResponse string `json:"second_response,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toResponseJSON(r storage.Response) responseJSON {
	return responseJSON{
		ID:             r.ID,
		PhoneNumber:    r.PhoneNumber,
		ClientID:       r.ClientID,
		CustomerName:   r.CustomerName,
		Company:        r.Company,
		OrderID:        r.OrderID,
		Products:       r.Products,
		FirstResponse:  r.FirstResponse,
		FirstRating:    r.FirstRating,
		SecondResponse: r.SecondResponse,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}

func handleListResponses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		responses, err := deps.Store.ListResponses(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list responses: %v", err)
			return
		}

		out := make([]responseJSON, len(responses))
		for i, resp := range responses {
			out[i] = toResponseJSON(resp)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetResponse(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		resp, err := deps.Store.GetResponse(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "response not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get response: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toResponseJSON(resp))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
