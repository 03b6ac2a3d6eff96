package fieldscript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Document is a record as held by the remote document store.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Template  Template  `json:"template"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Fields    *Fields   `json:"fields"`
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentFromRecord builds the remote form of a record.
func DocumentFromRecord(r *Record) Document {
	return Document{
		ID:        r.RemoteID,
		OwnerID:   r.OwnerID,
		Template:  r.Payload.Template,
		Name:      r.Payload.Name,
		Content:   r.Payload.Content,
		Fields:    r.Payload.Fields.Clone(),
		Version:   r.Version,
		Deleted:   r.IsDeleted,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Payload returns the document content.
func (d *Document) Payload() Payload {
	fields := d.Fields.Clone()
	if fields == nil {
		fields = NewFields()
	}
	return Payload{Template: d.Template, Name: d.Name, Content: d.Content, Fields: fields}
}

// Record returns the document as a record without local identity or sync
// state.
func (d *Document) Record() Record {
	return Record{
		RemoteID:  d.ID,
		OwnerID:   d.OwnerID,
		Payload:   d.Payload(),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Version:   d.Version,
		IsDeleted: d.Deleted,
	}
}

// QueryOptions narrows DocumentStore.QueryByOwner.
type QueryOptions struct {
	ExcludeDeleted bool
	// UpdatedSince restricts results to documents updated after it when
	// non-zero.
	UpdatedSince time.Time
}

// DocumentStore is the remote document collection.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Create stores a new document and returns its assigned ID.
	Create(ctx context.Context, doc Document) (string, error)

	// Upsert writes a document under an existing ID.
	Upsert(ctx context.Context, id string, doc Document) error

	// Get returns one document. A missing document yields an error
	// matching ErrRemoteNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// QueryByOwner lists an owner's documents, most recently updated first.
	QueryByOwner(ctx context.Context, ownerID string, opts QueryOptions) ([]Document, error)

	// SoftDelete flags a document as deleted and bumps its update time.
	SoftDelete(ctx context.Context, id string) error

	// Subscribe streams the owner's live document list until ctx is done.
	Subscribe(ctx context.Context, ownerID string) (<-chan []Document, error)
}

// TokenSource supplies bearer tokens for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// HTTPDocumentStore implements DocumentStore against the document store
// HTTP API.
type HTTPDocumentStore struct {
	baseURL    string
	tokens     TokenSource
	deviceID   string
	httpClient *http.Client
	debug      *DebugLogger
}

var _ DocumentStore = (*HTTPDocumentStore)(nil)

// NewHTTPDocumentStore creates a client for the store at baseURL.
func NewHTTPDocumentStore(baseURL string, tokens TokenSource, deviceID string, timeout time.Duration) *HTTPDocumentStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDocumentStore{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		tokens:   tokens,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPDocumentStore) WithHTTPClient(client *http.Client) *HTTPDocumentStore {
	c.httpClient = client
	return c
}

// WithDebugLogger enables wire tracing.
func (c *HTTPDocumentStore) WithDebugLogger(l *DebugLogger) *HTTPDocumentStore {
	c.debug = l
	return c
}

// HealthURL returns the URL probed for reachability.
func (c *HTTPDocumentStore) HealthURL() string {
	return c.baseURL + "/api/v1/health"
}

func (c *HTTPDocumentStore) headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("User-Agent", "fieldscript-client/1.0")
	if c.deviceID != "" {
		h.Set("X-Fieldscript-Device-ID", c.deviceID)
	}
	if c.tokens == nil {
		return h, nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

// statusError classifies a non-success response.
func statusError(op string, statusCode int, body []byte) *SyncError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	kind := KindFromStatus(statusCode)
	err := fmt.Errorf("HTTP %d: %s", statusCode, msg)
	if s := kind.sentinel(); s != nil {
		err = fmt.Errorf("%w: HTTP %d: %s", s, statusCode, msg)
	}
	return &SyncError{Kind: kind, Operation: op, StatusCode: statusCode, Err: err}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *HTTPDocumentStore) do(ctx context.Context, op, method, path string, in, out any, want ...int) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &SyncError{Operation: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &SyncError{Operation: op, Err: err}
	}
	h, err := c.headers(ctx)
	if err != nil {
		return &SyncError{Kind: KindUnauthenticated, Operation: op, Err: err}
	}
	req.Header = h
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.debug.LogRequest(method, req.URL.String(), body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.debug.LogError(op, err)
		return newSyncError(op, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newSyncError(op, "", err)
	}
	c.debug.LogResponse(resp.StatusCode, respBody)

	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return statusError(op, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &SyncError{Operation: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// Create implements DocumentStore.
func (c *HTTPDocumentStore) Create(ctx context.Context, doc Document) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create", http.MethodPost, "/api/v1/documents", doc, &resp, http.StatusCreated, http.StatusOK); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &SyncError{Operation: "create", Err: errors.New("document store returned no id")}
	}
	return resp.ID, nil
}

// Upsert implements DocumentStore.
func (c *HTTPDocumentStore) Upsert(ctx context.Context, id string, doc Document) error {
	doc.ID = id
	return c.do(ctx, "upsert", http.MethodPut, "/api/v1/documents/"+url.PathEscape(id), doc, nil, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// Get implements DocumentStore.
func (c *HTTPDocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := c.do(ctx, "get", http.MethodGet, "/api/v1/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// QueryByOwner implements DocumentStore.
func (c *HTTPDocumentStore) QueryByOwner(ctx context.Context, ownerID string, opts QueryOptions) ([]Document, error) {
	q := url.Values{}
	q.Set("owner_id", ownerID)
	q.Set("include_deleted", fmt.Sprint(!opts.ExcludeDeleted))
	if !opts.UpdatedSince.IsZero() {
		q.Set("updated_since", opts.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}

	var docs []Document
	if err := c.do(ctx, "query", http.MethodGet, "/api/v1/documents?"+q.Encode(), nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// SoftDelete implements DocumentStore.
func (c *HTTPDocumentStore) SoftDelete(ctx context.Context, id string) error {
	return c.do(ctx, "soft_delete", http.MethodDelete, "/api/v1/documents/"+url.PathEscape(id), nil, nil, http.StatusOK, http.StatusNoContent)
}

// Health checks that the document store answers.
func (c *HTTPDocumentStore) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/api/v1/health", nil, nil)
}

// Subscribe implements DocumentStore over a WebSocket. Each frame carries
// the owner's full live document list.
func (c *HTTPDocumentStore) Subscribe(ctx context.Context, ownerID string) (<-chan []Document, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/documents/subscribe")
	if err != nil {
		return nil, &SyncError{Operation: "subscribe", Err: err}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"owner_id": {ownerID}}.Encode()

	h, err := c.headers(ctx)
	if err != nil {
		return nil, &SyncError{Kind: KindUnauthenticated, Operation: "subscribe", Err: err}
	}

	c.debug.LogRequest("GET", u.String(), nil)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, statusError("subscribe", resp.StatusCode, nil)
		}
		return nil, newSyncError("subscribe", "", err)
	}
	conn.SetReadLimit(8 << 20)

	out := make(chan []Document, 1)
	go func() {
		defer close(out)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.debug.LogError("subscribe", err)
				}
				return
			}
			var docs []Document
			if err := json.Unmarshal(data, &docs); err != nil {
				c.debug.LogError("subscribe", err)
				continue
			}
			select {
			case out <- docs:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
