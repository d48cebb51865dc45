package sync

import "errors"

// Precondition errors returned by Exec. They are terminal: the caller must
// change the record (or its habilitation) before retrying.
var (
	// ErrDemoOrDraft means the record's status does not allow publication.
	ErrDemoOrDraft = errors.New("synchronization impossible for demo/draft records")

	// ErrEmptyDataset means the record has no active address entry to publish.
	ErrEmptyDataset = errors.New("base locale has no active address entry")
)
