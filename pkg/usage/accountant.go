package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arbor-run/arbor/pkg/run"
)

// MissingCredentialError means no integration carries an API key for the
// model or provider. The engine treats this as fatal configuration, not a
// transient failure.
type MissingCredentialError struct {
	TenantID string
	Provider string
	Model    string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no credential configured for model %s or provider %s (tenant %s)",
		e.Model, e.Provider, e.TenantID)
}

// Accountant resolves credentials and prices model usage against the
// integration registry, appending billable records to the run store.
type Accountant struct {
	registry Registry
	store    run.Store
	logger   zerolog.Logger
}

// NewAccountant creates an accountant over a registry and run store
func NewAccountant(registry Registry, store run.Store, logger zerolog.Logger) *Accountant {
	return &Accountant{registry: registry, store: store, logger: logger}
}

// InputSKU is the billing SKU for a model's prompt tokens
func InputSKU(model string) string {
	return model + "-in"
}

// OutputSKU is the billing SKU for a model's completion tokens
func OutputSKU(model string) string {
	return model + "-out"
}

// ProviderSKU is the fallback SKU carrying a provider-wide API key
func ProviderSKU(provider string) string {
	return provider + "-api-key"
}

// ResolveCredential finds the API key for a model call. It prefers the
// model-scoped input SKU and falls back to the provider-wide key.
func (a *Accountant) ResolveCredential(ctx context.Context, tenantID, provider, model string) (string, error) {
	var skuErr *SKUNotFoundError

	if i, err := a.registry.Lookup(ctx, tenantID, InputSKU(model)); err == nil && i.Credential != "" {
		return i.Credential, nil
	} else if err != nil && !errors.As(err, &skuErr) {
		return "", err
	}

	if i, err := a.registry.Lookup(ctx, tenantID, ProviderSKU(provider)); err == nil && i.Credential != "" {
		return i.Credential, nil
	} else if err != nil && !errors.As(err, &skuErr) {
		return "", err
	}

	return "", &MissingCredentialError{TenantID: tenantID, Provider: provider, Model: model}
}

// Price returns the cost of a model call given its token counts. Models
// with no priced SKU bill at zero; unknown pricing never blocks execution.
func (a *Accountant) Price(ctx context.Context, tenantID, model string, promptTokens, completionTokens int64) float64 {
	cost := 0.0
	if i, err := a.registry.Lookup(ctx, tenantID, InputSKU(model)); err == nil {
		cost += i.UnitPriceUSD * float64(promptTokens)
	}
	if i, err := a.registry.Lookup(ctx, tenantID, OutputSKU(model)); err == nil {
		cost += i.UnitPriceUSD * float64(completionTokens)
	}
	return cost
}

// Record prices a model call and appends the billable line items. Recording
// is best effort; a storage failure is logged, never propagated into the run.
func (a *Accountant) Record(ctx context.Context, tenantID, runID, model string, promptTokens, completionTokens int64) float64 {
	now := time.Now().UTC()
	total := 0.0

	type line struct {
		sku string
		qty int64
	}
	for _, l := range []line{
		{InputSKU(model), promptTokens},
		{OutputSKU(model), completionTokens},
	} {
		if l.qty == 0 {
			continue
		}
		cost := 0.0
		if i, err := a.registry.Lookup(ctx, tenantID, l.sku); err == nil {
			cost = i.UnitPriceUSD * float64(l.qty)
		}
		total += cost

		rec := &run.UsageRecord{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			RunID:     runID,
			SKU:       l.sku,
			Quantity:  l.qty,
			CostUSD:   cost,
			CreatedAt: now,
		}
		if err := a.store.AppendUsage(ctx, rec); err != nil {
			a.logger.Error().Err(err).Str("run_id", runID).Str("sku", l.sku).
				Msg("Failed to append usage record")
		}
	}
	return total
}
