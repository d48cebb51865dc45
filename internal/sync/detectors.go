package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bal-adresse/publication-server/internal/baselocale"
	"github.com/bal-adresse/publication-server/internal/checkpoint"
	"github.com/bal-adresse/publication-server/internal/revision"
	"github.com/bal-adresse/publication-server/internal/store"
	"github.com/bal-adresse/publication-server/internal/telemetry"
)

const (
	// defaultSettleDelay gives the registry time to finish propagating its
	// own write before the conflict detector reads current revisions.
	defaultSettleDelay = 5 * time.Second

	// defaultLookback bounds the first conflict-detector pass when no
	// watermark has ever been stored.
	defaultLookback = 24 * time.Hour
)

// OutdatedDetector flips synced records whose content advanced past their
// sync snapshot. The pass is a single set-based store operation: monotone,
// idempotent, safe to run arbitrarily often.
type OutdatedDetector struct {
	store   store.Store
	metrics *telemetry.SyncMetrics
}

// NewOutdatedDetector creates the detector.
func NewOutdatedDetector(s store.Store, metrics *telemetry.SyncMetrics) *OutdatedDetector {
	return &OutdatedDetector{store: s, metrics: metrics}
}

// Run executes one detection pass.
func (d *OutdatedDetector) Run(ctx context.Context) error {
	flipped, err := d.store.FlagOutdated(ctx)
	if err != nil {
		return fmt.Errorf("outdated detection pass: %w", err)
	}
	d.metrics.RecordOutdatedFlips(ctx, flipped)
	if flipped > 0 {
		slog.Info("flagged outdated base locales", "count", flipped)
	}
	return nil
}

// ConflictDetector reconciles local records against registry activity. It
// runs on a persisted watermark and is at-least-once: the watermark is
// advanced before processing, so a crash mid-pass can reprocess a revision
// (harmless, reconciliation is idempotent) but never silently skip one.
type ConflictDetector struct {
	store       store.Store
	revisions   revision.Client
	checkpoints checkpoint.Store
	metrics     *telemetry.SyncMetrics

	settleDelay time.Duration
	lookback    time.Duration
	now         func() time.Time
}

// ConflictDetectorOption configures the detector.
type ConflictDetectorOption func(*ConflictDetector)

// WithSettleDelay overrides the post-watermark settle delay.
func WithSettleDelay(d time.Duration) ConflictDetectorOption {
	return func(c *ConflictDetector) {
		c.settleDelay = d
	}
}

// WithClock overrides the detector clock.
func WithClock(now func() time.Time) ConflictDetectorOption {
	return func(c *ConflictDetector) {
		c.now = now
	}
}

// NewConflictDetector creates the detector.
func NewConflictDetector(
	s store.Store,
	revisions revision.Client,
	checkpoints checkpoint.Store,
	metrics *telemetry.SyncMetrics,
	opts ...ConflictDetectorOption,
) *ConflictDetector {
	d := &ConflictDetector{
		store:       s,
		revisions:   revisions,
		checkpoints: checkpoints,
		metrics:     metrics,
		settleDelay: defaultSettleDelay,
		lookback:    defaultLookback,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one reconciliation pass over every commune with registry
// activity since the watermark.
func (d *ConflictDetector) Run(ctx context.Context) error {
	since, found, err := d.checkpoints.Get(ctx, checkpoint.KeyConflictPublishedSince)
	if err != nil {
		return fmt.Errorf("read conflict watermark: %w", err)
	}
	now := d.now()
	if !found {
		since = now.Add(-d.lookback)
		slog.Info("no conflict watermark stored, bounding first pass",
			"since", since)
	}

	revisions, err := d.revisions.GetCurrentRevisionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list registry activity since %s: %w", since, err)
	}

	// Advance the watermark before processing: reprocessing a revision is
	// idempotent, skipping one is not recoverable.
	if err := d.checkpoints.Set(ctx, checkpoint.KeyConflictPublishedSince, now); err != nil {
		return fmt.Errorf("advance conflict watermark: %w", err)
	}

	if len(revisions) == 0 {
		return nil
	}
	slog.Info("registry activity detected", "communes", len(revisions), "since", since)

	if d.settleDelay > 0 {
		select {
		case <-time.After(d.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// One bad commune must not abort the others.
	seen := make(map[string]bool, len(revisions))
	for _, rev := range revisions {
		if seen[rev.CodeCommune] {
			continue
		}
		seen[rev.CodeCommune] = true
		if err := d.reconcileCommune(ctx, rev.CodeCommune); err != nil {
			slog.Error("failed to reconcile commune",
				"code_commune", rev.CodeCommune, "error", err)
		}
	}
	return nil
}

// reconcileCommune applies the precedence rule for one commune: the local
// record whose revision claim matches the registry's actual current
// revision is published/synced; every sibling is replaced/conflict.
func (d *ConflictDetector) reconcileCommune(ctx context.Context, codeCommune string) error {
	current, found, err := d.revisions.GetCurrentRevision(ctx, codeCommune)
	if err != nil {
		return fmt.Errorf("get current revision: %w", err)
	}
	if !found {
		// Activity was reported but the current revision vanished; nothing
		// to reconcile against.
		slog.Warn("commune has activity but no current revision", "code_commune", codeCommune)
		return nil
	}

	locals, err := d.store.FindByCommuneAndStatuses(ctx, codeCommune, []baselocale.Status{
		baselocale.StatusPublished,
		baselocale.StatusReplaced,
	})
	if err != nil {
		return fmt.Errorf("list local records: %w", err)
	}

	var conflicts int64
	for _, bal := range locals {
		isWinner := bal.Sync != nil && bal.Sync.LastUploadedRevisionID == current.ID

		if isWinner {
			needsRestore := bal.Status != baselocale.StatusPublished ||
				bal.Sync.IsPaused ||
				bal.Sync.Status == baselocale.SyncConflict
			if !needsRestore {
				continue
			}
			if err := d.markPublished(ctx, bal); err != nil {
				return fmt.Errorf("mark %s published: %w", bal.ID, err)
			}
			slog.Info("base locale reconciled as current publication",
				"bal_id", bal.ID, "code_commune", codeCommune, "revision_id", current.ID)
			continue
		}

		if bal.Status == baselocale.StatusReplaced &&
			bal.Sync != nil && bal.Sync.Status == baselocale.SyncConflict {
			continue
		}
		if err := d.markReplaced(ctx, bal); err != nil {
			return fmt.Errorf("mark %s replaced: %w", bal.ID, err)
		}
		conflicts++
		slog.Warn("base locale replaced by external publication",
			"bal_id", bal.ID, "code_commune", codeCommune, "registry_revision_id", current.ID)
	}
	d.metrics.RecordConflicts(ctx, conflicts)
	return nil
}

// markPublished reinstates a winner as the commune's publication. A pending
// local edit survives the reinstatement: an outdated sync stays outdated
// with no snapshot, so the batch still republishes the edit.
func (d *ConflictDetector) markPublished(ctx context.Context, bal *baselocale.BaseLocale) error {
	status := baselocale.StatusPublished
	newSync := baselocale.SyncState{
		Status:                 baselocale.SyncSynced,
		IsPaused:               false,
		CurrentUpdated:         bal.Sync.CurrentUpdated,
		LastUploadedRevisionID: bal.Sync.LastUploadedRevisionID,
	}
	if bal.Sync.Status == baselocale.SyncOutdated {
		newSync.Status = baselocale.SyncOutdated
		newSync.CurrentUpdated = nil
	}
	_, err := d.store.Update(ctx, bal.ID, store.Changes{
		Status:  &status,
		SetSync: true,
		Sync:    &newSync,
	})
	return err
}

func (d *ConflictDetector) markReplaced(ctx context.Context, bal *baselocale.BaseLocale) error {
	status := baselocale.StatusReplaced
	newSync := baselocale.SyncState{
		Status:   baselocale.SyncConflict,
		IsPaused: true,
	}
	if bal.Sync != nil {
		newSync.LastUploadedRevisionID = bal.Sync.LastUploadedRevisionID
	}
	_, err := d.store.Update(ctx, bal.ID, store.Changes{
		Status:  &status,
		SetSync: true,
		Sync:    &newSync,
	})
	return err
}
