package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/baselocale"
	"github.com/bal-adresse/publication-server/internal/export"
	"github.com/bal-adresse/publication-server/internal/revision"
	"github.com/bal-adresse/publication-server/internal/store"
)

// fakeRevisions is an in-memory registry. PublishNewRevision makes the new
// revision the commune's current one, mirroring the real registry.
type fakeRevisions struct {
	current     map[string]*revision.Revision
	currentErrs map[string]error
	since       []revision.Revision
	sinceErr    error
	publishErr  error
	published   []revision.PublishParams
	nextID      int
}

func newFakeRevisions() *fakeRevisions {
	return &fakeRevisions{
		current:     make(map[string]*revision.Revision),
		currentErrs: make(map[string]error),
	}
}

func (f *fakeRevisions) GetCurrentRevision(
	_ context.Context, codeCommune string,
) (*revision.Revision, bool, error) {
	if err := f.currentErrs[codeCommune]; err != nil {
		return nil, false, err
	}
	rev, ok := f.current[codeCommune]
	if !ok {
		return nil, false, nil
	}
	return rev, true, nil
}

func (f *fakeRevisions) GetCurrentRevisionsSince(
	_ context.Context, _ time.Time,
) ([]revision.Revision, error) {
	return f.since, f.sinceErr
}

func (f *fakeRevisions) PublishNewRevision(
	_ context.Context, params revision.PublishParams,
) (*revision.Revision, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, params)
	f.nextID++
	rev := &revision.Revision{
		ID:          fmt.Sprintf("rev-%d", f.nextID),
		CodeCommune: params.CodeCommune,
		Status:      "published",
		Files: []revision.File{
			{Type: "bal", Hash: revision.ContentHash(params.File)},
		},
	}
	f.current[params.CodeCommune] = rev
	return rev, nil
}

// setCurrent installs an externally-published current revision.
func (f *fakeRevisions) setCurrent(codeCommune, revisionID string, fileHash string) {
	f.current[codeCommune] = &revision.Revision{
		ID:          revisionID,
		CodeCommune: codeCommune,
		Status:      "published",
		Files:       []revision.File{{Type: "bal", Hash: fileHash}},
	}
}

type fakeHabilitations struct {
	habs map[uuid.UUID]*baselocale.Habilitation
	err  error
}

func newFakeHabilitations() *fakeHabilitations {
	return &fakeHabilitations{habs: make(map[uuid.UUID]*baselocale.Habilitation)}
}

func (f *fakeHabilitations) Fetch(
	_ context.Context, id uuid.UUID,
) (*baselocale.Habilitation, error) {
	if f.err != nil {
		return nil, f.err
	}
	hab, ok := f.habs[id]
	if !ok {
		return nil, fmt.Errorf("habilitation %s not found", id)
	}
	return hab, nil
}

type fakeNotify struct {
	sent [][]string
	err  error
}

func (f *fakeNotify) SendPublication(
	_ context.Context, _ *baselocale.BaseLocale, recipients []string,
) error {
	f.sent = append(f.sent, recipients)
	return f.err
}

// testEnv wires a Manager over in-memory collaborators with a fixed clock.
type testEnv struct {
	store         *store.Memory
	revisions     *fakeRevisions
	habilitations *fakeHabilitations
	notify        *fakeNotify
	manager       Manager
	now           time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }

	e := &testEnv{
		store:         mem,
		revisions:     newFakeRevisions(),
		habilitations: newFakeHabilitations(),
		notify:        &fakeNotify{},
		now:           now,
	}
	e.manager = NewManager(Deps{
		Store:         mem,
		Export:        export.NewCSVProducer(mem),
		Habilitations: e.habilitations,
		Revisions:     e.revisions,
		Notify:        e.notify,
		Now:           func() time.Time { return now },
	})
	return e
}

// seedBAL creates a record with an accepted habilitation and one address row.
func (e *testEnv) seedBAL(status baselocale.Status, codeCommune string) *baselocale.BaseLocale {
	habID := uuid.New()
	expires := e.now.Add(90 * 24 * time.Hour)
	e.habilitations.habs[habID] = &baselocale.Habilitation{
		ID:          habID,
		Status:      baselocale.HabilitationAccepted,
		CodeCommune: codeCommune,
		ExpiresAt:   &expires,
	}

	bal := &baselocale.BaseLocale{
		ID:             uuid.New(),
		Status:         status,
		CodeCommune:    codeCommune,
		HabilitationID: &habID,
		Emails:         []string{"mairie@example.org"},
		CreatedAt:      e.now.Add(-24 * time.Hour),
		UpdatedAt:      e.now.Add(-time.Hour),
	}
	e.store.Put(bal)
	e.store.PutAddresses(bal.ID, []store.AddressRow{
		{
			CleInterop:  codeCommune + "_0001_00001",
			CodeCommune: codeCommune,
			NomVoie:     "Rue des Lilas",
			Numero:      1,
			Long:        1.15,
			Lat:         49.02,
			UpdatedAt:   bal.UpdatedAt,
		},
	})
	return bal
}

// seedPublishedBAL creates a record already published and synced against the
// registry's current revision.
func (e *testEnv) seedPublishedBAL(codeCommune string) *baselocale.BaseLocale {
	bal := e.seedBAL(baselocale.StatusPublished, codeCommune)
	snapshot := bal.UpdatedAt
	bal.Sync = &baselocale.SyncState{
		Status:                 baselocale.SyncSynced,
		CurrentUpdated:         &snapshot,
		LastUploadedRevisionID: "rev-current",
	}
	e.store.Put(bal)

	content, err := export.NewCSVProducer(e.store).ExportContent(context.Background(), bal.ID)
	if err != nil {
		panic(err)
	}
	e.revisions.setCurrent(codeCommune, "rev-current", revision.ContentHash(content))
	return bal
}
