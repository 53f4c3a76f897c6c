package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
)

// FetchOptions narrows a history read. Zero values mean "server default".
type FetchOptions struct {
	Limit    int
	AfterID  int64
	BeforeID int64
}

// History is one page of a conversation, oldest first.
type History struct {
	Counterpart *domain.Participant `json:"counterpart"`
	Messages    []*domain.Message   `json:"messages"`
}

// HistoryClient reads conversation history over the REST API.
type HistoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHistoryClient creates a client for the server at baseURL. A nil httpClient
// gets a client with a 15s timeout.
func NewHistoryClient(baseURL, token string, httpClient *http.Client) *HistoryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Fetch returns the conversation between the token's user and counterpartID.
func (c *HistoryClient) Fetch(ctx context.Context, counterpartID string, opts FetchOptions) (*History, error) {
	q := url.Values{}
	q.Set("with", counterpartID)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.AfterID > 0 {
		q.Set("after_id", strconv.FormatInt(opts.AfterID, 10))
	}
	if opts.BeforeID > 0 {
		q.Set("before_id", strconv.FormatInt(opts.BeforeID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("fetch history: status %d: %s", resp.StatusCode, body.Error)
	}

	var h History
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &h, nil
}
