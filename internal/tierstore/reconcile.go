package tierstore

import (
	"context"
	"errors"
	"fmt"
)

// ReconcileReport summarizes one tier's reconciliation pass.
type ReconcileReport struct {
	Tier Tier `json:"tier"`
	// Blobs is the number of blobs the backend listed.
	Blobs int `json:"blobs"`
	// Reclaimed is the number of unreferenced blobs deleted.
	Reclaimed int `json:"reclaimed"`
	// Missing lists records whose bytes could not be found.
	Missing []string `json:"missing,omitempty"`
}

// Reconcile deletes blobs that no record references and reports records
// whose bytes are gone. Blobs younger than the grace period are left
// alone so uploads between Put and Save are never reclaimed. Only tiers
// whose backend can list its blobs are visited.
func (c *Coordinator) Reconcile(ctx context.Context) ([]ReconcileReport, error) {
	var reports []ReconcileReport
	var errs []error
	for _, tier := range []Tier{TierFilesystem, TierRemote} {
		b, ok := c.router.Backend(tier)
		if !ok {
			continue
		}
		lister, ok := b.(BlobLister)
		if !ok {
			continue
		}
		report, err := c.reconcileTier(ctx, tier, lister)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciling %s tier: %w", tier, err))
		}
	}
	return reports, errors.Join(errs...)
}

func (c *Coordinator) reconcileTier(ctx context.Context, tier Tier, lister BlobLister) (ReconcileReport, error) {
	report := ReconcileReport{Tier: tier}

	blobs, err := lister.ListBlobs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing blobs: %w", err)
	}
	report.Blobs = len(blobs)

	cutoff := c.router.clock.Now().Add(-c.cfg.ReconcileGrace)
	for _, blob := range blobs {
		if blob.ModTime.After(cutoff) {
			continue
		}
		referenced, err := c.records.LocatorExists(ctx, tier, blob.Locator)
		if err != nil {
			return report, fmt.Errorf("checking %s: %w", blob.Locator, err)
		}
		if referenced {
			continue
		}
		if err := lister.DeleteBlob(ctx, blob.Locator); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("failed to delete orphaned blob", "tier", tier, "locator", blob.Locator, "error", err)
			continue
		}
		report.Reclaimed++
		c.logger.Info("deleted orphaned blob", "tier", tier, "locator", blob.Locator, "size", blob.Size)
	}
	c.metrics.OrphansReclaimed(tier, report.Reclaimed)

	recs, err := c.records.ListByTier(ctx, tier)
	if err != nil {
		return report, fmt.Errorf("listing records: %w", err)
	}
	for _, rec := range recs {
		ok, err := c.router.Exists(ctx, rec)
		if err != nil {
			c.logger.Warn("failed to check record bytes", "id", rec.ID, "tier", tier, "error", err)
			continue
		}
		if !ok {
			report.Missing = append(report.Missing, rec.ID)
			c.logger.Error("record bytes missing", "id", rec.ID, "tier", tier, "locator", rec.Locator,
				"error", ErrStorageInconsistency)
		}
	}
	return report, nil
}
