// Package crm mirrors fulfilled purchases into the CRM: contact upsert,
// tag application, and workflow triggers. Sync is best-effort and never
// blocks fulfillment.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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
	ReasonNotConfigured = "crm_not_configured"
	ReasonMissingEmail  = "missing_email"
)

const (
	requestTimeout = 15 * time.Second
	apiVersion     = "2021-07-28"

	// The CRM rejects custom field values past this size. Each payload
	// field is capped independently; they are never concatenated into one
	// field.
	fieldValueLimit = 9500
)

type SyncRequest struct {
	Email       string
	Name        string
	TagIDs      []string
	WorkflowIDs []string

	// PurchaseMetadata and LicensePayload land in separate custom fields.
	PurchaseMetadata map[string]string
	LicensePayload   map[string]any
}

type Result struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

type Service interface {
	SyncOrder(ctx context.Context, req SyncRequest) Result
}

type client struct {
	cfg  config.GHLConfig
	http *http.Client
	log  *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) Service {
	return &client{
		cfg:  cfg.GHL,
		http: &http.Client{Timeout: requestTimeout},
		log:  log.Named("crm"),
	}
}

func (c *client) configured() bool {
	return c.cfg.Token != "" && c.cfg.LocationID != ""
}

func (c *client) SyncOrder(ctx context.Context, req SyncRequest) Result {
	if !c.configured() {
		return Result{Status: StatusSkipped, Reason: ReasonNotConfigured}
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return Result{Status: StatusSkipped, Reason: ReasonMissingEmail}
	}

	contactID, err := c.upsertContact(ctx, email, req)
	if err != nil {
		c.log.Error("contact upsert failed", zap.String("email", email), zap.Error(err))
		return Result{Status: StatusFailed, Reason: err.Error()}
	}

	for _, workflowID := range req.WorkflowIDs {
		workflowID = strings.TrimSpace(workflowID)
		if workflowID == "" {
			continue
		}
		if err := c.triggerWorkflow(ctx, contactID, workflowID); err != nil {
			c.log.Warn("workflow trigger failed",
				zap.String("contact_id", contactID),
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}

	c.log.Info("purchase synced to crm",
		zap.String("email", email),
		zap.String("contact_id", contactID),
		zap.Int("tags", len(req.TagIDs)))
	return Result{Status: StatusSucceeded, ContactID: contactID}
}

func (c *client) upsertContact(ctx context.Context, email string, req SyncRequest) (string, error) {
	body := map[string]any{
		"locationId": c.cfg.LocationID,
		"email":      email,
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		body["name"] = name
	}
	if len(req.TagIDs) > 0 {
		body["tags"] = req.TagIDs
	}

	fields := []map[string]string{}
	if c.cfg.PurchaseMetadataField != "" && len(req.PurchaseMetadata) > 0 {
		fields = append(fields, map[string]string{
			"id":    c.cfg.PurchaseMetadataField,
			"value": cappedJSON(req.PurchaseMetadata),
		})
	}
	if c.cfg.LicenseKeysField != "" && len(req.LicensePayload) > 0 {
		fields = append(fields, map[string]string{
			"id":    c.cfg.LicenseKeysField,
			"value": cappedJSON(req.LicensePayload),
		})
	}
	if len(fields) > 0 {
		body["customFields"] = fields
	}

	var resp struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := c.do(ctx, http.MethodPost, "/contacts/upsert", body, &resp); err != nil {
		return "", err
	}
	if resp.Contact.ID == "" {
		return "", fmt.Errorf("contact upsert returned no contact id")
	}
	return resp.Contact.ID, nil
}

func (c *client) triggerWorkflow(ctx context.Context, contactID, workflowID string) error {
	path := fmt.Sprintf("/contacts/%s/workflow/%s",
		url.PathEscape(contactID), url.PathEscape(workflowID))
	return c.do(ctx, http.MethodPost, path, map[string]any{}, nil)
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	base := strings.TrimRight(c.cfg.APIBase, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("crm request %s failed: %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// cappedJSON serializes v and truncates the result to the CRM's field
// limit. A truncated value stops being valid JSON; the CRM stores it as
// opaque text either way.
func cappedJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > fieldValueLimit {
		return s[:fieldValueLimit]
	}
	return s
}
