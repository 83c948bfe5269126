package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/remedyops/conductor/internal/stages"
)

// TicketConfig configures the ticketing client.
type TicketConfig struct {
	// BaseURL is the ticketing API root, e.g. https://tickets.internal.
	BaseURL string
	Token   string
	Timeout time.Duration
	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// HTTPTicketClient posts resolution comments to a ticketing system.
type HTTPTicketClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ stages.Ticketer = (*HTTPTicketClient)(nil)

// NewTicketClient creates a ticketing client.
func NewTicketClient(cfg TicketConfig) (*HTTPTicketClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ticketing base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTicketClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

// AddComment appends a comment to the ticket.
func (c *HTTPTicketClient) AddComment(ctx context.Context, ticketID, comment string) error {
	body, err := json.Marshal(map[string]string{"body": comment})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/tickets/%s/comments", c.baseURL, url.PathEscape(ticketID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ticketing request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ticketing returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return nil
}
