// Package habilitation provides access to externally-issued publication
// credentials and the precondition checks the sync engine runs on them.
package habilitation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1024 * 1024
)

// Precondition errors. They are terminal: retrying without changing the
// habilitation reproduces the same failure.
var (
	// ErrMissing means the BaseLocale has no habilitation attached.
	ErrMissing = errors.New("no habilitation attached to the base locale")

	// ErrNotAccepted means the habilitation flow did not complete with an
	// accepted decision.
	ErrNotAccepted = errors.New("habilitation is not accepted")

	// ErrExpired means the habilitation has lapsed and a new one must be
	// requested.
	ErrExpired = errors.New("habilitation expired")

	// ErrCommuneMismatch means the habilitation covers another commune.
	ErrCommuneMismatch = errors.New("habilitation does not cover the base locale commune")
)

// Client is the Habilitation boundary.
type Client interface {
	// Fetch returns the habilitation for the given id.
	Fetch(ctx context.Context, id uuid.UUID) (*baselocale.Habilitation, error)
}

// HTTPClient fetches habilitations over HTTP with bearer authentication.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an habilitation client for the given endpoint.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch returns the habilitation for the given id.
func (c *HTTPClient) Fetch(ctx context.Context, id uuid.UUID) (*baselocale.Habilitation, error) {
	u := fmt.Sprintf("%s/habilitations/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch habilitation %s: %w", id, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch habilitation %s: unexpected status %s", id, resp.Status)
	}

	var hab baselocale.Habilitation
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read habilitation response: %w", err)
	}
	if err := json.Unmarshal(data, &hab); err != nil {
		return nil, fmt.Errorf("decode habilitation response: %w", err)
	}
	return &hab, nil
}

// CheckAccepted verifies that the habilitation authorizes publication for
// the given commune at the given instant.
func CheckAccepted(hab *baselocale.Habilitation, codeCommune string, now time.Time) error {
	if hab == nil {
		return ErrMissing
	}
	if hab.Status != baselocale.HabilitationAccepted {
		return ErrNotAccepted
	}
	if hab.IsExpired(now) {
		return ErrExpired
	}
	if hab.CodeCommune != codeCommune {
		return ErrCommuneMismatch
	}
	return nil
}
