/**
 * @description
 * This package provides a client for the external catalog/profile service.
 * The exchange flow needs exactly two things from it: the owner of an item
 * (to address a proposal) and the ability to flip an item's availability when
 * a transaction completes or cancels.
 */
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrItemNotFound is returned when the catalog has no record of the item.
var ErrItemNotFound = errors.New("item not found")

// Client is a client for the catalog service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new catalog service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type itemOwnerResponse struct {
	SellerID uuid.UUID `json:"seller_id"`
}

// GetItemOwner resolves the seller of an item.
func (c *Client) GetItemOwner(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	if c.baseURL == "" {
		return uuid.Nil, fmt.Errorf("catalog service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/items/%s/owner", c.baseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to execute request to catalog service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return uuid.Nil, ErrItemNotFound
	}
	if resp.StatusCode >= 400 {
		return uuid.Nil, fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}

	var response itemOwnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.SellerID, nil
}

type setItemStatusRequest struct {
	Status string `json:"status"`
}

// SetItemStatus updates an item's availability, e.g. to "sold" when a
// transaction completes or back to "available" when one cancels.
func (c *Client) SetItemStatus(ctx context.Context, itemID uuid.UUID, status string) error {
	if c.baseURL == "" {
		return fmt.Errorf("catalog service base url is empty")
	}

	body, err := json.Marshal(setItemStatusRequest{Status: status})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/items/%s/status", c.baseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to catalog service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrItemNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}
