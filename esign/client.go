// Package esign opens electronic signature requests for contracts.
package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agencyflow/contract"
)

// Client talks to an HTTP e-signature provider.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// RequestSignature creates a signature request and returns the provider's
// reference for it.
func (c *Client) RequestSignature(ctx context.Context, req contract.SignatureRequest) (string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"contract_id": req.ContractID,
		"signer_id":   req.UserID,
		"title":       req.Title,
	})
	if err != nil {
		return "", fmt.Errorf("esign: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/signature-requests", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("esign: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("idempotency-key", req.ContractID)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("esign: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("esign: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("esign: decode response: %w", err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("esign: provider returned empty reference")
	}
	return out.Reference, nil
}

// Local issues references without a provider, for development and tests.
type Local struct{}

func (Local) RequestSignature(ctx context.Context, _ contract.SignatureRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "esr_" + uuid.NewString(), nil
}

// NewRequester picks the HTTP client when baseURL is set and Local otherwise.
func NewRequester(baseURL string, timeout time.Duration) contract.SignatureRequester {
	if strings.TrimSpace(baseURL) == "" {
		return Local{}
	}
	return New(baseURL, timeout)
}
