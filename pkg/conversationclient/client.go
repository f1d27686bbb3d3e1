/**
 * @description
 * This package provides a client for the external conversation/messaging
 * service. The exchange flow uses it to resolve (or lazily create) the
 * conversation between a buyer and a seller, and to post the system messages
 * that narrate the protocol inside the thread.
 */
package conversationclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/domain"
)

// Client is a client for the conversation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new conversation service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type resolveConversationRequest struct {
	BuyerID  uuid.UUID `json:"buyer_id"`
	SellerID uuid.UUID `json:"seller_id"`
	ItemID   uuid.UUID `json:"item_id"`
}

type resolveConversationResponse struct {
	ID uuid.UUID `json:"id"`
}

// ResolveOrCreate returns the conversation between buyer and seller about an
// item, creating it if none exists yet.
func (c *Client) ResolveOrCreate(ctx context.Context, buyerID, sellerID, itemID uuid.UUID) (uuid.UUID, error) {
	if c.baseURL == "" {
		return uuid.Nil, fmt.Errorf("conversation service base url is empty")
	}

	body, err := json.Marshal(resolveConversationRequest{
		BuyerID:  buyerID,
		SellerID: sellerID,
		ItemID:   itemID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/conversations/resolve", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to execute request to conversation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return uuid.Nil, fmt.Errorf("conversation service returned error status %d", resp.StatusCode)
	}

	var response resolveConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.ID, nil
}

type appendSystemMessageRequest struct {
	Body string `json:"body"`
}

// AppendSystemMessage posts a system-authored message into a conversation and
// returns the stored message so callers can fan it out to connected sessions.
func (c *Client) AppendSystemMessage(ctx context.Context, conversationID uuid.UUID, body string) (*domain.Message, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("conversation service base url is empty")
	}

	payload, err := json.Marshal(appendSystemMessageRequest{Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/conversations/%s/system-messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to conversation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("conversation service returned error status %d", resp.StatusCode)
	}

	var msg domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}
