/**
 * @description
 * Client for the challenge payout provider. A payment is paid out by creating a
 * challenge, assigning the member, activating it and closing it with the member as
 * winner; billing changes on an existing challenge are pushed with UpdateChallengeBilling.
 *
 * @notes
 * - Non-2xx responses are returned as *APIError so callers can record the status code.
 */
package challengeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	statusActive    = "Active"
	statusCompleted = "Completed"
)

// APIError is returned for non-successful provider responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("challenge api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("challenge api returned status %d: %s", e.StatusCode, e.Message)
}

// StatusCodeOf returns the provider status code carried by err, or 0.
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Config holds the provider endpoint and the fixed ids new challenges are created with.
type Config struct {
	BaseURL            string
	Token              string
	TypeID             string
	TrackID            string
	TimelineTemplateID string
	SubmitterRoleID    string
	Timeout            time.Duration
}

// CreateChallengeRequest describes the payout challenge for one payment.
type CreateChallengeRequest struct {
	Name             string
	Description      string
	ProjectID        int64
	BillingAccountID int64
	Amount           decimal.Decimal
	CustomerAmount   *decimal.Decimal
}

// BillingUpdate is pushed when billing fields of a paid-out payment change.
type BillingUpdate struct {
	BillingAccountID int64
	Amount           decimal.Decimal
	CustomerAmount   *decimal.Decimal
}

// Client is a client for the challenge API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new challenge API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type prize struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type prizeSet struct {
	Type   string  `json:"type"`
	Prizes []prize `json:"prizes"`
}

func prizeSets(amount decimal.Decimal, customerAmount *decimal.Decimal) []prizeSet {
	sets := []prizeSet{{Type: "placement", Prizes: []prize{{Type: "USD", Value: amount}}}}
	if customerAmount != nil {
		sets = append(sets, prizeSet{Type: "copilot", Prizes: []prize{{Type: "USD", Value: *customerAmount}}})
	}
	return sets
}

// CreateChallenge creates a draft payout challenge and returns its id.
func (c *Client) CreateChallenge(ctx context.Context, req CreateChallengeRequest) (uuid.UUID, error) {
	payload := map[string]any{
		"name":               req.Name,
		"description":        req.Description,
		"projectId":          req.ProjectID,
		"typeId":             c.cfg.TypeID,
		"trackId":            c.cfg.TrackID,
		"timelineTemplateId": c.cfg.TimelineTemplateID,
		"status":             "New",
		"billing":            map[string]any{"billingAccountId": req.BillingAccountID},
		"prizeSets":          prizeSets(req.Amount, req.CustomerAmount),
	}

	var response struct {
		ID uuid.UUID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/challenges", payload, &response); err != nil {
		return uuid.Nil, err
	}
	if response.ID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("challenge api returned no challenge id")
	}
	return response.ID, nil
}

// AssignMember registers the member on the challenge with the submitter role.
func (c *Client) AssignMember(ctx context.Context, challengeID uuid.UUID, memberHandle string) error {
	payload := map[string]any{
		"challengeId":  challengeID,
		"memberHandle": memberHandle,
		"roleId":       c.cfg.SubmitterRoleID,
	}
	err := c.do(ctx, http.MethodPost, "/resources", payload, nil)
	// The member is already assigned when a previous attempt got this far.
	if StatusCodeOf(err) == http.StatusConflict {
		return nil
	}
	return err
}

// ActivateChallenge moves the challenge to Active.
func (c *Client) ActivateChallenge(ctx context.Context, challengeID uuid.UUID) error {
	return c.do(ctx, http.MethodPatch, "/challenges/"+challengeID.String(), map[string]any{"status": statusActive}, nil)
}

// GetUserID resolves a member handle to the provider's numeric user id.
func (c *Client) GetUserID(ctx context.Context, memberHandle string) (int64, error) {
	var response struct {
		UserID int64 `json:"userId"`
	}
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(memberHandle), nil, &response); err != nil {
		return 0, err
	}
	if response.UserID == 0 {
		return 0, fmt.Errorf("member %q has no user id", memberHandle)
	}
	return response.UserID, nil
}

// CloseChallenge completes the challenge with the member as the only winner.
func (c *Client) CloseChallenge(ctx context.Context, challengeID uuid.UUID, userID int64, memberHandle string) error {
	payload := map[string]any{
		"status": statusCompleted,
		"winners": []map[string]any{
			{"userId": userID, "handle": memberHandle, "placement": 1},
		},
	}
	return c.do(ctx, http.MethodPatch, "/challenges/"+challengeID.String(), payload, nil)
}

// UpdateChallengeBilling pushes new billing account and prize amounts to the challenge.
func (c *Client) UpdateChallengeBilling(ctx context.Context, challengeID uuid.UUID, update BillingUpdate) error {
	payload := map[string]any{
		"billing":   map[string]any{"billingAccountId": update.BillingAccountID},
		"prizeSets": prizeSets(update.Amount, update.CustomerAmount),
	}
	return c.do(ctx, http.MethodPatch, "/challenges/"+challengeID.String(), payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("challenge api base url is not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &problem) != nil || problem.Message == "" {
			problem.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: problem.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse challenge api response: %w", err)
	}
	return nil
}
