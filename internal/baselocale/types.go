// Package baselocale defines the domain model for Bases Adresses Locales
// and their publication state.
package baselocale

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle status of a BaseLocale
type Status string

const (
	// StatusDemo is a throwaway demonstration BAL, never publishable
	StatusDemo Status = "demo"

	// StatusDraft is a BAL being edited that has not been flagged for publication
	StatusDraft Status = "draft"

	// StatusReadyToPublish is a BAL flagged by its editor for first publication
	StatusReadyToPublish Status = "ready-to-publish"

	// StatusPublished is the BAL currently published for its commune
	StatusPublished Status = "published"

	// StatusReplaced is a BAL that used to be published for its commune but
	// was superseded by another publication (local or external)
	StatusReplaced Status = "replaced"
)

// SyncStatus represents the reconciliation state between a published
// BaseLocale and the deposit registry
type SyncStatus string

const (
	// SyncSynced means the registry's current revision matches local content
	SyncSynced SyncStatus = "synced"

	// SyncOutdated means local content changed since the last publication
	// and a republish is due
	SyncOutdated SyncStatus = "outdated"

	// SyncConflict means the registry's current revision was published by
	// someone else; automatic republication is suspended
	SyncConflict SyncStatus = "conflict"
)

// SyncState tracks what this BaseLocale believes about its last publication.
// LastUploadedRevisionID is only a claim; the conflict detector verifies it
// against the registry's actual current revision.
type SyncState struct {
	Status SyncStatus `json:"status"`

	// IsPaused suspends automatic republication. Set on conflict, or manually
	// by the editor.
	IsPaused bool `json:"isPaused"`

	// CurrentUpdated is the BaseLocale.UpdatedAt value captured at the last
	// successful reconciliation. Nil once the record is flagged outdated.
	CurrentUpdated *time.Time `json:"currentUpdated,omitempty"`

	LastUploadedRevisionID string `json:"lastUploadedRevisionId"`
}

// BaseLocale is a locally-editable address dataset for one commune.
type BaseLocale struct {
	ID             uuid.UUID  `json:"id"`
	Status         Status     `json:"status"`
	CodeCommune    string     `json:"codeCommune"`
	HabilitationID *uuid.UUID `json:"habilitationId,omitempty"`
	Emails         []string   `json:"emails,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`

	// UpdatedAt is bumped by every content mutation and never decreases.
	UpdatedAt time.Time `json:"updatedAt"`

	// Sync is non-nil exactly when Status is published or replaced.
	Sync *SyncState `json:"sync,omitempty"`
}

// HasSync reports whether the status requires an embedded sync state.
func (s Status) HasSync() bool {
	return s == StatusPublished || s == StatusReplaced
}

// Validate checks the status/sync coupling invariant. Store implementations
// reject writes that violate it.
func (b *BaseLocale) Validate() error {
	if b.Status.HasSync() && b.Sync == nil {
		return fmt.Errorf("base locale %s: status %q requires sync state", b.ID, b.Status)
	}
	if !b.Status.HasSync() && b.Sync != nil {
		return fmt.Errorf("base locale %s: status %q must not carry sync state", b.ID, b.Status)
	}
	return nil
}

// MarkPublished transitions the record to published/synced with the given
// revision claim, snapshotting UpdatedAt as the reconciliation point.
func (b *BaseLocale) MarkPublished(revisionID string) {
	updated := b.UpdatedAt
	b.Status = StatusPublished
	b.Sync = &SyncState{
		Status:                 SyncSynced,
		CurrentUpdated:         &updated,
		LastUploadedRevisionID: revisionID,
	}
}

// MarkReplaced transitions the record to replaced/conflict, pausing
// automatic republication until an editor reconciles it.
func (b *BaseLocale) MarkReplaced() {
	if b.Sync == nil {
		b.Sync = &SyncState{}
	}
	b.Status = StatusReplaced
	b.Sync.Status = SyncConflict
	b.Sync.IsPaused = true
	b.Sync.CurrentUpdated = nil
}

// HabilitationStatus is the decision state of an habilitation request
type HabilitationStatus string

const (
	// HabilitationPending means the pin-code or FranceConnect flow has not completed
	HabilitationPending HabilitationStatus = "pending"

	// HabilitationAccepted means the requester proved authority over the commune
	HabilitationAccepted HabilitationStatus = "accepted"

	// HabilitationRejected means the request was denied
	HabilitationRejected HabilitationStatus = "rejected"
)

// Habilitation is an externally-issued, expirable credential asserting a
// BaseLocale may publish for its commune.
type Habilitation struct {
	ID          uuid.UUID          `json:"id"`
	Status      HabilitationStatus `json:"status"`
	CodeCommune string             `json:"codeCommune"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
}

// IsExpired reports whether the habilitation has lapsed at the given instant.
// A missing expiry is treated as expired: the registry never issues
// open-ended habilitations.
func (h *Habilitation) IsExpired(now time.Time) bool {
	return h.ExpiresAt == nil || !h.ExpiresAt.After(now)
}
