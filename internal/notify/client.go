// Package notify is a thin client for the external notification
// service. Delivery is best-effort: callers treat failures as
// "not sent", never as ledger-affecting errors.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type channel struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
	Target   string `json:"target"`
}

type action struct {
	Name   string `json:"name"`
	CTAURL string `json:"ctaUrl"`
}

type message struct {
	ID        string   `json:"id"`
	RefID     string   `json:"refId"`
	MediaURLs []string `json:"mediaUrls"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Level     string   `json:"level"`
	Status    string   `json:"status"`
	Actions   []action `json:"actions"`
}

type sendDirectRequest struct {
	Channel channel `json:"channel"`
	Message message `json:"message"`
}

// Client posts direct messages to the notification service.
type Client struct {
	baseURL     string
	accessToken string
	clientID    string
	httpClient  *http.Client
	log         *slog.Logger
}

func NewClient(baseURL, accessToken, clientID string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		clientID:    clientID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		log:         log,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// SendPasswordReset mails the reset link to the account's address.
func (c *Client) SendPasswordReset(ctx context.Context, email, resetURL string) error {
	if !c.Configured() {
		return errors.New("notification service not configured")
	}
	payload := sendDirectRequest{
		Channel: channel{
			ID:       c.clientID,
			UserID:   c.clientID,
			DeviceID: "mail",
			Platform: "mail",
			Target:   email,
		},
		Message: message{
			ID:        c.clientID,
			RefID:     c.clientID,
			MediaURLs: []string{},
			Type:      "text",
			Title:     "Password Reset Link",
			Text:      "You requested a password reset.\n\nClick Reset to reset your password.",
			Level:     "info",
			Status:    "in_progress",
			Actions:   []action{{Name: "Reset", CTAURL: resetURL}},
		},
	}
	return c.sendDirect(ctx, payload)
}

func (c *Client) sendDirect(ctx context.Context, payload sendDirectRequest) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messaging/send-direct", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification service responded with %d", resp.StatusCode)
	}
	return nil
}
