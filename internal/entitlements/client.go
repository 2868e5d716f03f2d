// Package entitlements grants and revokes license entitlements against
// the internal licensing service. Grants are best-effort: callers record
// the outcome instead of failing fulfillment on licensing outages.
package entitlements

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/serpco/storefront/internal/config"
	"go.uber.org/zap"
)

const (
	StatusSucceeded = "succeeded"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

const (
	ReasonMissingSecret             = "missing_internal_secret"
	ReasonMissingEmailOrEntitlement = "missing_email_or_entitlements"
)

const requestTimeout = 15 * time.Second

type GrantRequest struct {
	Email        string
	Entitlements []string
	Tier         string
	Source       string
	OrderRef     string
}

type RevokeRequest struct {
	Email        string
	Entitlements []string
	Source       string
}

// Result is the recorded outcome of a grant or revoke attempt. Reason is
// a skip reason or the failure detail; empty on success.
type Result struct {
	Status       string   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	HTTPStatus   int      `json:"httpStatus,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
	Tier         string   `json:"tier,omitempty"`
	AttemptedAt  string   `json:"attemptedAt,omitempty"`
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) Result
	Revoke(ctx context.Context, req RevokeRequest) Result
}

type client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) Service {
	return &client{
		baseURL: strings.TrimRight(cfg.Entitlements.BaseURL, "/"),
		secret:  cfg.Entitlements.InternalSecret,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.Named("entitlements"),
	}
}

func (c *client) Grant(ctx context.Context, req GrantRequest) Result {
	entitlements := dedupe(req.Entitlements)
	email := strings.TrimSpace(req.Email)

	if c.secret == "" || c.baseURL == "" {
		c.log.Warn("grant skipped, internal secret not configured",
			zap.String("email", email))
		return Result{Status: StatusSkipped, Reason: ReasonMissingSecret}
	}
	if email == "" || len(entitlements) == 0 {
		return Result{Status: StatusSkipped, Reason: ReasonMissingEmailOrEntitlement}
	}

	body := map[string]any{
		"email":        email,
		"entitlements": entitlements,
	}
	if req.Tier != "" {
		body["tier"] = req.Tier
	}
	if req.Source != "" {
		body["source"] = req.Source
	}
	if req.OrderRef != "" {
		body["orderRef"] = req.OrderRef
	}

	attemptedAt := time.Now().UTC().Format(time.RFC3339)
	status, err := c.post(ctx, "/api/internal/entitlements/grant", body)
	if err != nil {
		c.log.Error("entitlement grant failed",
			zap.String("email", email),
			zap.Strings("entitlements", entitlements),
			zap.Int("http_status", status),
			zap.Error(err))
		return Result{
			Status:       StatusFailed,
			Reason:       err.Error(),
			HTTPStatus:   status,
			Entitlements: entitlements,
			Tier:         req.Tier,
			AttemptedAt:  attemptedAt,
		}
	}

	c.log.Info("entitlements granted",
		zap.String("email", email),
		zap.Strings("entitlements", entitlements),
		zap.String("tier", req.Tier))
	return Result{
		Status:       StatusSucceeded,
		HTTPStatus:   status,
		Entitlements: entitlements,
		Tier:         req.Tier,
		AttemptedAt:  attemptedAt,
	}
}

func (c *client) Revoke(ctx context.Context, req RevokeRequest) Result {
	entitlements := dedupe(req.Entitlements)
	email := strings.TrimSpace(req.Email)

	if c.secret == "" || c.baseURL == "" {
		return Result{Status: StatusSkipped, Reason: ReasonMissingSecret}
	}
	if email == "" || len(entitlements) == 0 {
		return Result{Status: StatusSkipped, Reason: ReasonMissingEmailOrEntitlement}
	}

	body := map[string]any{
		"email":        email,
		"entitlements": entitlements,
	}
	if req.Source != "" {
		body["source"] = req.Source
	}

	status, err := c.post(ctx, "/api/internal/entitlements/revoke", body)
	if err != nil {
		c.log.Error("entitlement revoke failed",
			zap.String("email", email), zap.Error(err))
		return Result{Status: StatusFailed, Reason: err.Error(), HTTPStatus: status, Entitlements: entitlements}
	}
	return Result{Status: StatusSucceeded, HTTPStatus: status, Entitlements: entitlements}
}

func (c *client) post(ctx context.Context, path string, body map[string]any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-internal-secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("entitlements request failed: %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
