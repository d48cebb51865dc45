// Package revision wraps the deposit registry's revision lifecycle API.
package revision

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationResult is the registry's verdict on an uploaded file.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// File is a file attached to a revision. The registry computes the hash
// server-side and echoes it back; exec compares it against freshly exported
// content to skip redundant uploads.
type File struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
	Size int64  `json:"size,omitempty"`
}

// Revision is an immutable snapshot held by the registry. Revisions are
// append-only per commune; the latest published one is the commune's
// current revision.
type Revision struct {
	ID          string            `json:"id"`
	CodeCommune string            `json:"codeCommune"`
	Status      string            `json:"status"`
	Files       []File            `json:"files,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	PublishedAt *time.Time        `json:"publishedAt,omitempty"`
}

// FileHash returns the content hash of the revision's BAL file, or "" when
// no file is attached yet.
func (r *Revision) FileHash() string {
	for _, f := range r.Files {
		if f.Type == "bal" {
			return f.Hash
		}
	}
	return ""
}

// PublishParams carries the inputs of the four-step publication sequence.
type PublishParams struct {
	CodeCommune    string
	BalID          uuid.UUID
	File           []byte
	HabilitationID uuid.UUID
}

// HTTPError is a non-2xx response from the registry.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("registry request failed: %d %s (%s)", e.StatusCode, e.Message, e.URL)
}

// IsServerError reports whether the failure is on the registry's side and
// therefore transient from the caller's point of view.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// ValidationError means the registry's compute step rejected the uploaded
// file. Retrying with unchanged data reproduces the same failure, so callers
// must treat it as fatal rather than transient.
type ValidationError struct {
	RevisionID string
	Issues     []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("revision %s rejected by registry validation", e.RevisionID)
	}
	return fmt.Sprintf("revision %s rejected by registry validation: %s",
		e.RevisionID, strings.Join(e.Issues, "; "))
}
