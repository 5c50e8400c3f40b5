// Package whatsapp is a minimal client for a Meta-style WhatsApp Cloud API
// gateway. It only covers what the survey flow needs: sending text messages.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends messages through the WhatsApp gateway.
type Client struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	HTTPClient    *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, apiKey, phoneNumberID string) *Client {
	return &Client{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		PhoneNumberID: phoneNumberID,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SendMessageRequest is the outbound message payload.
type SendMessageRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	RecipientType    string      `json:"recipient_type"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             TextContent `json:"text"`
}

// TextContent carries the message body.
type TextContent struct {
	Body string `json:"body"`
}

// SendMessageResponse is the gateway acknowledgement.
type SendMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message to the given phone number.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	req := SendMessageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             TextContent{Body: text},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.BaseURL, c.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result SendMessageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
