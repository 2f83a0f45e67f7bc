package jobapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// LocationRequest identifies the location a domain-bot call mutates
type LocationRequest struct {
	LocID     string `json:"locId"`
	Kind      string `json:"kind"`
	DomainURL string `json:"domainUrl,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// VerifyResult is the outcome of the post-setup check
type VerifyResult struct {
	OK    bool   `json:"ok"`
	Href  string `json:"href,omitempty"`
	Error string `json:"error,omitempty"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r okResponse) err(op string) error {
	if r.OK {
		return nil
	}
	if r.Error != "" {
		return fmt.Errorf("%s: %s", op, r.Error)
	}
	return fmt.Errorf("%s: backend returned ok=false", op)
}

func (c *Client) withTenant(req LocationRequest) LocationRequest {
	if req.TenantID == "" {
		req.TenantID = c.tenantID
	}
	return req
}

// PendingLocations lists the rows still waiting for domain setup
func (c *Client) PendingLocations(ctx context.Context, kind string) ([]domain.LocationRow, error) {
	query := map[string]string{"kind": kind}
	if c.tenantID != "" {
		query["tenantId"] = c.tenantID
	}
	var resp struct {
		Rows []domain.LocationRow `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/domain-bot/pending", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("list pending locations: %w", err)
	}
	return resp.Rows, nil
}

// ApplyCustomValues writes the location's custom values in the CRM
func (c *Client) ApplyCustomValues(ctx context.Context, req LocationRequest) error {
	var resp okResponse
	if err := c.doJSON(ctx, http.MethodPost, "/domain-bot/custom-values", nil, c.withTenant(req), &resp); err != nil {
		return fmt.Errorf("apply custom values: %w", err)
	}
	return resp.err("apply custom values")
}

// UpsertDNS creates or updates the location's DNS record
func (c *Client) UpsertDNS(ctx context.Context, req LocationRequest) error {
	var resp okResponse
	if err := c.doJSON(ctx, http.MethodPost, "/domain-bot/dns", nil, c.withTenant(req), &resp); err != nil {
		return fmt.Errorf("upsert dns: %w", err)
	}
	return resp.err("upsert dns")
}

// LoadHeaders returns the payload the automation bridge pastes into the page
func (c *Client) LoadHeaders(ctx context.Context, req LocationRequest) (*domain.BotPayload, error) {
	var resp struct {
		okResponse
		Payload domain.BotPayload `json:"payload"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/domain-bot/headers", nil, c.withTenant(req), &resp); err != nil {
		return nil, fmt.Errorf("load headers: %w", err)
	}
	if err := resp.err("load headers"); err != nil {
		return nil, err
	}
	return &resp.Payload, nil
}

// MarkComplete flags the location's domain setup as finished
func (c *Client) MarkComplete(ctx context.Context, req LocationRequest) error {
	var resp okResponse
	if err := c.doJSON(ctx, http.MethodPost, "/domain-bot/complete", nil, c.withTenant(req), &resp); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	return resp.err("mark complete")
}

// DeleteDNS removes the temporary DNS record
func (c *Client) DeleteDNS(ctx context.Context, req LocationRequest) error {
	req = c.withTenant(req)
	query := map[string]string{"locId": req.LocID, "kind": req.Kind}
	if req.TenantID != "" {
		query["tenantId"] = req.TenantID
	}
	var resp okResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/domain-bot/dns", query, nil, &resp); err != nil {
		return fmt.Errorf("delete dns: %w", err)
	}
	return resp.err("delete dns")
}

// Verify checks the published domain after setup
func (c *Client) Verify(ctx context.Context, req LocationRequest) (*VerifyResult, error) {
	var resp VerifyResult
	if err := c.doJSON(ctx, http.MethodPost, "/domain-bot/verify", nil, c.withTenant(req), &resp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &resp, nil
}
