// Package backfill retries failed entitlement grants from the webhook
// log. It runs from the scheduler app and from an operational HTTP
// endpoint, sequentially and bounded.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serpco/storefront/internal/alert"
	checkoutdomain "github.com/serpco/storefront/internal/checkout/domain"
	"github.com/serpco/storefront/internal/clock"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/entitlements"
	"github.com/serpco/storefront/internal/metadata"
	"github.com/serpco/storefront/internal/observability/metrics"
	"github.com/serpco/storefront/internal/offers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Options struct {
	Limit         int
	LookbackHours int
	DryRun        bool
	Alert         bool
}

// Counters is the outcome of one run. A dry run reports the same
// Scanned and Attempted a live run would.
type Counters struct {
	Scanned                    int `json:"scanned"`
	Attempted                  int `json:"attempted"`
	Succeeded                  int `json:"succeeded"`
	Failed                     int `json:"failed"`
	SkippedMissingEmail        int `json:"skippedMissingEmail"`
	SkippedMissingEntitlements int `json:"skippedMissingEntitlements"`
	SkippedMissingSecret       int `json:"skippedMissingSecret"`
}

type Service interface {
	Run(ctx context.Context, opts Options) (Counters, error)
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Repo         checkoutdomain.Repository
	Catalog      *offers.Catalog
	Entitlements entitlements.Service
	Notifier     alert.Notifier
	Clock        clock.Clock
	Node         *snowflake.Node
	Config       config.Config
	Metrics      *metrics.Metrics `optional:"true"`
	Log          *zap.Logger
}

type service struct {
	db           *gorm.DB
	repo         checkoutdomain.Repository
	catalog      *offers.Catalog
	entitlements entitlements.Service
	notifier     alert.Notifier
	clock        clock.Clock
	node         *snowflake.Node
	cfg          config.BackfillConfig
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func NewService(p Params) Service {
	return &service{
		db:           p.DB,
		repo:         p.Repo,
		catalog:      p.Catalog,
		entitlements: p.Entitlements,
		notifier:     p.Notifier,
		clock:        p.Clock,
		node:         p.Node,
		cfg:          p.Config.Backfill,
		metrics:      p.Metrics,
		log:          p.Log.Named("backfill"),
	}
}

func (s *service) Run(ctx context.Context, opts Options) (Counters, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	lookback := opts.LookbackHours
	if lookback <= 0 {
		lookback = s.cfg.LookbackHours
	}
	now := s.clock.Now()
	s.metrics.RecordBackfillRun()

	candidates, err := s.repo.ListRetryCandidates(ctx, s.db, checkoutdomain.RetryScan{
		Since:       now.Add(-time.Duration(lookback) * time.Hour),
		MaxAttempts: s.cfg.MaxAttempts,
		Limit:       limit,
	})
	if err != nil {
		return Counters{}, fmt.Errorf("list retry candidates: %w", err)
	}

	counters := Counters{Scanned: len(candidates)}
	for _, candidate := range candidates {
		s.retryOne(ctx, candidate, opts.DryRun, now, &counters)
	}

	s.log.Info("backfill run finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("scanned", counters.Scanned),
		zap.Int("attempted", counters.Attempted),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("failed", counters.Failed))

	if opts.Alert && counters.Failed > 0 {
		err := s.notifier.Notify(ctx, "entitlement backfill has failures", map[string]any{
			"scanned":                      counters.Scanned,
			"attempted":                    counters.Attempted,
			"succeeded":                    counters.Succeeded,
			"failed":                       counters.Failed,
			"skipped_missing_email":        counters.SkippedMissingEmail,
			"skipped_missing_entitlements": counters.SkippedMissingEntitlements,
			"skipped_missing_secret":       counters.SkippedMissingSecret,
		})
		if err != nil {
			s.log.Warn("backfill alert failed", zap.Error(err))
		}
	}
	return counters, nil
}

func (s *service) retryOne(ctx context.Context, candidate checkoutdomain.RetryCandidate, dryRun bool, now time.Time, counters *Counters) {
	email := deref(candidate.CustomerEmail)
	meta := candidateMetadata(candidate)
	if email == "" {
		email = metadata.First(meta, "customer_email")
	}
	if email == "" {
		counters.SkippedMissingEmail++
		s.metrics.RecordBackfillRetry("skipped_missing_email")
		return
	}

	ents := resolvedEntitlements(candidate)
	if len(ents) == 0 {
		counters.SkippedMissingEntitlements++
		s.metrics.RecordBackfillRetry("skipped_missing_entitlements")
		return
	}

	counters.Attempted++
	if dryRun {
		return
	}

	offerID := deref(candidate.OfferID)
	grant := s.entitlements.Grant(ctx, entitlements.GrantRequest{
		Email:        email,
		Entitlements: ents,
		Tier:         s.catalog.Tier(offerID),
		OrderRef:     deref(candidate.ProviderSessionID),
	})

	switch grant.Status {
	case entitlements.StatusSucceeded:
		counters.Succeeded++
	case entitlements.StatusSkipped:
		if grant.Reason == entitlements.ReasonMissingSecret {
			counters.SkippedMissingSecret++
		}
	default:
		counters.Failed++
	}
	s.metrics.RecordBackfillRetry(grant.Status)

	if grant.Status == entitlements.StatusSkipped {
		return
	}

	logStatus := checkoutdomain.LogStatusSuccess
	lastError := ""
	if grant.Status == entitlements.StatusFailed {
		logStatus = checkoutdomain.LogStatusError
		lastError = "entitlement grant retry failed: " + grant.Reason
	}
	entry := &checkoutdomain.LogEntry{
		ID:                s.node.Generate(),
		PaymentIntentID:   candidate.PaymentIntentID,
		ProviderSessionID: deref(candidate.ProviderSessionID),
		OfferID:           offerID,
		LanderID:          deref(candidate.LanderID),
		Status:            logStatus,
		LastError:         lastError,
		EntitlementStatus: grant.Status,
		Metadata: map[string]any{
			"entitlementGrant": map[string]any{
				"status":      grant.Status,
				"reason":      grant.Reason,
				"httpStatus":  grant.HTTPStatus,
				"retry":       true,
				"attemptedAt": now.UTC().Format(time.RFC3339),
			},
		},
	}
	if err := s.repo.UpsertLog(ctx, s.db, entry, now); err != nil {
		s.log.Error("retry log update failed",
			zap.String("payment_intent_id", candidate.PaymentIntentID), zap.Error(err))
	}
}

// resolvedEntitlements reads the entitlement list stored at fulfillment
// time, falling back to the offer id when the log predates that field.
func resolvedEntitlements(candidate checkoutdomain.RetryCandidate) []string {
	var meta map[string]any
	if len(candidate.Metadata) > 0 {
		_ = json.Unmarshal(candidate.Metadata, &meta)
	}
	for _, key := range []string{"license_entitlements_resolved", "licenseEntitlementsResolved"} {
		raw, ok := meta[key].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if offerID := deref(candidate.OfferID); offerID != "" {
		return []string{offerID}
	}
	return nil
}

func candidateMetadata(candidate checkoutdomain.RetryCandidate) map[string]string {
	var raw map[string]any
	if len(candidate.Metadata) > 0 {
		_ = json.Unmarshal(candidate.Metadata, &raw)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
