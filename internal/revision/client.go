package revision

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the default timeout for registry requests. File
	// uploads for large communes can take a while.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds registry response bodies (10MB).
	maxResponseSize = 10 * 1024 * 1024

	userAgent = "bal-publication-server/1.0"
)

// Client is the Revision Registry boundary.
//
// The client performs no retries: the sync state machine re-derives its
// decision from current state on every invocation, so re-running exec is
// the retry. If the process dies between upload and publish, the dangling
// unpublished draft stays on the registry; the next exec creates a fresh
// draft and the stale one is never referenced again.
type Client interface {
	// GetCurrentRevision returns the commune's current published revision.
	// found is false when the commune has never published, which is not an
	// error.
	GetCurrentRevision(ctx context.Context, codeCommune string) (*Revision, bool, error)

	// GetCurrentRevisionsSince returns the current revisions of every
	// commune with registry activity at or after the given instant.
	GetCurrentRevisionsSince(ctx context.Context, since time.Time) ([]Revision, error)

	// PublishNewRevision runs the four-step sequence: create a draft scoped
	// to the BAL, upload the file with a content-hash header, trigger the
	// registry's compute/validation, publish with the habilitation attached.
	// A *ValidationError is returned when compute rejects the file.
	PublishNewRevision(ctx context.Context, params PublishParams) (*Revision, error)
}

// HTTPClient talks to the registry over HTTP with bearer authentication.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a registry client for the given endpoint and bearer
// token. A zero timeout selects DefaultTimeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultTimeout
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

// GetCurrentRevision returns the commune's current published revision.
func (c *HTTPClient) GetCurrentRevision(
	ctx context.Context, codeCommune string,
) (*Revision, bool, error) {
	u := fmt.Sprintf("%s/current-revision?commune=%s", c.baseURL, url.QueryEscape(codeCommune))

	var rev Revision
	err := c.doJSON(ctx, http.MethodGet, u, nil, "", &rev)
	if err != nil {
		var httpErr *HTTPError
		// A commune that never published has no current revision. That is
		// an absent value, not a failure.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rev, true, nil
}

// GetCurrentRevisionsSince returns current revisions of communes with
// activity at or after the given instant.
func (c *HTTPClient) GetCurrentRevisionsSince(
	ctx context.Context, since time.Time,
) ([]Revision, error) {
	u := fmt.Sprintf("%s/current-revisions?publishedSince=%s",
		c.baseURL, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var revisions []Revision
	if err := c.doJSON(ctx, http.MethodGet, u, nil, "", &revisions); err != nil {
		return nil, err
	}
	return revisions, nil
}

type createRevisionRequest struct {
	CodeCommune string          `json:"codeCommune"`
	Context     revisionContext `json:"context"`
}

type revisionContext struct {
	BalID uuid.UUID `json:"balId"`
}

type publishRequest struct {
	HabilitationID uuid.UUID `json:"habilitationId"`
}

// PublishNewRevision runs the four-step publication sequence.
func (c *HTTPClient) PublishNewRevision(
	ctx context.Context, params PublishParams,
) (*Revision, error) {
	// Step 1: create a revision draft scoped to the BAL.
	createBody, err := json.Marshal(createRevisionRequest{
		CodeCommune: params.CodeCommune,
		Context:     revisionContext{BalID: params.BalID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create revision request: %w", err)
	}

	var draft Revision
	err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/revisions",
		bytes.NewReader(createBody), "application/json", &draft)
	if err != nil {
		return nil, fmt.Errorf("create revision for commune %s: %w", params.CodeCommune, err)
	}

	// Step 2: upload the exported file with its content hash.
	uploadURL := fmt.Sprintf("%s/revisions/%s/files/bal", c.baseURL, url.PathEscape(draft.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL,
		bytes.NewReader(params.File))
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Content-MD5", ContentHash(params.File))
	if err := c.do(req, nil); err != nil {
		return nil, fmt.Errorf("upload file for revision %s: %w", draft.ID, err)
	}

	// Step 3: trigger server-side compute/validation.
	var computed Revision
	computeURL := fmt.Sprintf("%s/revisions/%s/compute", c.baseURL, url.PathEscape(draft.ID))
	if err := c.doJSON(ctx, http.MethodPost, computeURL, nil, "", &computed); err != nil {
		return nil, fmt.Errorf("compute revision %s: %w", draft.ID, err)
	}
	if computed.Validation != nil && !computed.Validation.Valid {
		return nil, &ValidationError{RevisionID: draft.ID, Issues: computed.Validation.Errors}
	}

	// Step 4: publish with the habilitation attached.
	publishBody, err := json.Marshal(publishRequest{HabilitationID: params.HabilitationID})
	if err != nil {
		return nil, fmt.Errorf("marshal publish request: %w", err)
	}

	var published Revision
	publishURL := fmt.Sprintf("%s/revisions/%s/publish", c.baseURL, url.PathEscape(draft.ID))
	err = c.doJSON(ctx, http.MethodPost, publishURL,
		bytes.NewReader(publishBody), "application/json", &published)
	if err != nil {
		return nil, fmt.Errorf("publish revision %s: %w", draft.ID, err)
	}
	return &published, nil
}

// ContentHash returns the hex MD5 digest of the given bytes, matching the
// hash the registry computes for uploaded files.
func ContentHash(data []byte) string {
	//nolint:gosec // G401: MD5 is the registry's content-hash algorithm, not a security boundary
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (c *HTTPClient) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doJSON performs a request and decodes the JSON response into out when out
// is non-nil.
func (c *HTTPClient) doJSON(
	ctx context.Context, method, u string, body io.Reader, contentType string, out any,
) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setCommonHeaders(req)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.String(),
			Message:    httpErrorMessage(resp.Status, data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// httpErrorMessage prefers the registry's JSON error message over the bare
// HTTP status line.
func httpErrorMessage(status string, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return status
}
