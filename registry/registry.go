// Package registry is the client for the external identity and
// reputation registries. Both are fixed append-only surfaces; this
// package only reads identity cards and writes feedback attestations.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/types"
)

const maxResponseBytes = 1 << 20

// AgentCard is an identity registration as published by the identity
// registry.
type AgentCard struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Feedback is a one-way reputation attestation. ProofHash, when set, is
// a hash commitment to the settlement reference and never the raw
// transaction hash.
type Feedback struct {
	AgentID   string   `json:"agent_id"`
	Rating    int      `json:"rating"`
	Tags      []string `json:"tags,omitempty"`
	Comment   string   `json:"comment,omitempty"`
	ProofHash string   `json:"proof_hash,omitempty"`
}

// Reputation accepts feedback attestations.
type Reputation interface {
	SubmitFeedback(ctx context.Context, fb Feedback) error
}

// Identity resolves agent cards.
type Identity interface {
	AgentCard(ctx context.Context, agentID string) (*AgentCard, error)
}

// Client talks HTTP to both registries.
type Client struct {
	identityURL   string
	reputationURL string
	httpClient    *http.Client
	log           logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l.Named("registry") }
}

// NewClient builds a registry client. Either URL may be empty, in which
// case calls against that registry fail with CONFIG_ERROR.
func NewClient(identityURL, reputationURL string, opts ...Option) *Client {
	c := &Client{
		identityURL:   strings.TrimRight(identityURL, "/"),
		reputationURL: strings.TrimRight(reputationURL, "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		log:           logger.NoopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AgentCard fetches the identity card for agentID.
func (c *Client) AgentCard(ctx context.Context, agentID string) (*AgentCard, error) {
	if c.identityURL == "" {
		return nil, &types.Error{Code: types.ErrConfig, Message: "identity registry URL not configured"}
	}
	if agentID == "" {
		return nil, &types.Error{Code: types.ErrValidation, Message: "agent id is required"}
	}

	url := fmt.Sprintf("%s/agents/%s", c.identityURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("identity lookup: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("identity lookup: %v", err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("agent %s is not registered", agentID)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.Error{
			Code:    types.ErrUpstreamService,
			Message: fmt.Sprintf("identity registry returned %d", resp.StatusCode),
			Data:    map[string]any{"status": resp.StatusCode, "body": string(body)},
		}
	}

	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, &types.Error{Code: types.ErrUpstreamService, Message: fmt.Sprintf("decode agent card: %v", err)}
	}
	return &card, nil
}

// SubmitFeedback posts an attestation to the reputation registry.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if c.reputationURL == "" {
		return &types.Error{Code: types.ErrConfig, Message: "reputation registry URL not configured"}
	}

	payload, err := json.Marshal(fb)
	if err != nil {
		return &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("encode feedback: %v", err)}
	}

	url := c.reputationURL + "/feedback"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("submit feedback: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return &types.Error{
			Code:    types.ErrUpstreamService,
			Message: fmt.Sprintf("reputation registry returned %d", resp.StatusCode),
			Data:    map[string]any{"status": resp.StatusCode, "body": string(body)},
		}
	}

	c.log.Info("feedback submitted", map[string]any{"agent": fb.AgentID, "rating": fb.Rating})
	return nil
}
