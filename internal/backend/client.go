// Package backend is the typed HTTP client for the shortener backend.
//
// The gateway never stores URL records itself -- every link operation is a
// call through this client, and every quota decision is re-derived from the
// lists it returns.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrQuotaExceeded is returned by CreateLink when the backend rejects an
// anonymous create with 403. Callers surface this to the user; it is never
// retried automatically.
var ErrQuotaExceeded = errors.New("anonymous link quota exceeded")

// ErrUnauthorized is returned when the backend rejects the supplied credential.
var ErrUnauthorized = errors.New("backend rejected credential")

// StatusError wraps any other non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Credential carries exactly one of the two auth mechanisms the backend
// accepts: a session bearer token or an anonymous token.
type Credential struct {
	Bearer    string
	AnonToken string
}

// apply sets the matching auth header. Bearer wins if both are set.
func (c Credential) apply(req *http.Request) {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
		return
	}
	if c.AnonToken != "" {
		req.Header.Set("X-Anonymous-Token", c.AnonToken)
	}
}

// Link is one URL record as the backend reports it.
type Link struct {
	ShortCode string     `json:"short_code"`
	LongURL   string     `json:"long_url"`
	Clicks    int        `json:"clicks"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateResult is the backend's answer to a create call. Remaining is only
// present for anonymous creates, and only authoritative for the response it
// arrived in -- the next list fetch supersedes it.
type CreateResult struct {
	ShortURL  string `json:"data"`
	Remaining *int   `json:"remaining,omitempty"`
}

// Client issues the five backend calls the gateway depends on.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the backend at baseURL.
// Uses a 10s timeout on the outbound HTTP client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateLink shortens longURL on behalf of the credential's owner.
// Tags are optional and only meaningful for authenticated creates.
func (c *Client) CreateLink(ctx context.Context, cred Credential, longURL string, tags []string) (*CreateResult, error) {
	payload := struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags,omitempty"`
	}{URL: longURL, Tags: tags}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: marshaling create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/shorten", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: building create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	cred.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: create request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result CreateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("backend: decoding create response: %w", err)
	}
	return &result, nil
}

// ListAnonymousLinks fetches the authoritative link list for an anonymous token.
// The length of the returned slice is the quota input.
func (c *Client) ListAnonymousLinks(ctx context.Context, anonToken string) ([]Link, error) {
	return c.list(ctx, "/urls/anonymous", Credential{AnonToken: anonToken})
}

// ListAuthenticatedLinks fetches the authoritative link list for a signed-in user.
func (c *Client) ListAuthenticatedLinks(ctx context.Context, bearer string) ([]Link, error) {
	return c.list(ctx, "/urls/authenticated", Credential{Bearer: bearer})
}

func (c *Client) list(ctx context.Context, path string, cred Credential) ([]Link, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: building list request: %w", err)
	}
	cred.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: list request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var links []Link
	if err := json.NewDecoder(resp.Body).Decode(&links); err != nil {
		return nil, fmt.Errorf("backend: decoding list response: %w", err)
	}
	return links, nil
}

// DeleteLink removes one link by short code. Idempotent on the backend --
// deleting an already-deleted code succeeds.
func (c *Client) DeleteLink(ctx context.Context, cred Credential, shortCode string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/urls/delete/"+shortCode, nil)
	if err != nil {
		return fmt.Errorf("backend: building delete request: %w", err)
	}
	cred.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: delete request failed: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// FlushAnonymousLinks migrates the caller's anonymous links into their account
// and returns how many were moved. The backend correlates the anonymous links
// itself (shared cookie); no anonymous token travels on this call. Idempotent:
// flushing an already-flushed set returns count 0.
func (c *Client) FlushAnonymousLinks(ctx context.Context, bearer string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/urls/flush", nil)
	if err != nil {
		return 0, fmt.Errorf("backend: building flush request: %w", err)
	}
	Credential{Bearer: bearer}.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("backend: flush request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("backend: decoding flush response: %w", err)
	}
	return result.Count, nil
}

// checkStatus maps non-2xx responses onto the package error taxonomy.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return ErrQuotaExceeded
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	// Cap the body read -- error bodies are short, and a misbehaving backend
	// should not make the gateway buffer megabytes.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
