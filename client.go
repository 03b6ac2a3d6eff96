package fieldscript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger   *slog.Logger
	remote   DocumentStore
	prober   Prober
	identity IdentityWatcher
	renderer Renderer
	now      func() time.Time
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithDocumentStore replaces the HTTP document store client.
func WithDocumentStore(ds DocumentStore) Option {
	return func(o *clientOptions) { o.remote = ds }
}

// WithProber replaces the system connectivity prober.
func WithProber(p Prober) Option {
	return func(o *clientOptions) { o.prober = p }
}

// WithIdentity replaces the identity file.
func WithIdentity(id IdentityWatcher) Option {
	return func(o *clientOptions) { o.identity = id }
}

// WithRenderer sets the renderer used when a record has no display text.
func WithRenderer(r Renderer) Option {
	return func(o *clientOptions) { o.renderer = r }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// Client is the main entry point: a local record store kept in sync with
// the remote document store in the background.
type Client struct {
	config    Config
	store     *Store
	remote    DocumentStore
	identity  IdentityWatcher
	network   *NetworkMonitor
	sync      *SyncManager
	work      *WorkRegistry
	scheduler *Scheduler
	renderer  Renderer
	logger    *slog.Logger
	now       func() time.Time

	cancel    context.CancelFunc
	bg        errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New creates a new fieldscript client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.renderer == nil {
		o.renderer = LineRenderer{}
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	identity := o.identity
	if identity == nil {
		if cfg.OwnerID != "" {
			identity = NewStaticIdentity(cfg.OwnerID, cfg.Token)
		} else {
			fi, err := NewFileIdentity(cfg.IdentityPath, o.logger)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("client: %w", err)
			}
			identity = fi
		}
	}

	var tokens TokenSource
	if ts, ok := identity.(TokenSource); ok {
		tokens = ts
	}
	if cfg.Token != "" {
		tokens = StaticToken(cfg.Token)
	}

	remote := o.remote
	prober := o.prober
	if remote == nil && !cfg.IsOffline() {
		hs := NewHTTPDocumentStore(cfg.RemoteURL, tokens, cfg.DeviceID, cfg.RequestTimeout).
			WithDebugLogger(NewDebugLogger(cfg.Debug, o.logger))
		remote = hs
		if prober == nil {
			prober = NewSystemProber(hs.HealthURL())
		}
	}
	if remote != nil && prober == nil {
		prober = NewSystemProber("")
	}

	network := NewNetworkMonitor(prober, cfg.ProbeInterval, o.logger)
	syncer := NewSyncManager(store, remote, identity, SyncManagerOptions{
		Resolver: NewResolver(cfg.Resolver, o.now),
		Guard:    NewGuard(cfg.Retry, cfg.Breaker, o.logger),
		Logger:   o.logger,
		Now:      o.now,
	})
	work := NewWorkRegistry(network, o.logger)

	c := &Client{
		config:    cfg,
		store:     store,
		remote:    remote,
		identity:  identity,
		network:   network,
		sync:      syncer,
		work:      work,
		scheduler: NewScheduler(syncer, network, identity, work, SchedulerConfigFrom(cfg), o.logger),
		renderer:  o.renderer,
		logger:    o.logger,
		now:       o.now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if remote != nil {
		network.Start(ctx)
	}
	if fi, ok := identity.(*FileIdentity); ok {
		c.bg.Go(func() error { return fi.Watch(ctx) })
	}
	if remote != nil && cfg.AutoSync {
		c.bg.Go(func() error { return c.scheduler.Run(ctx) })
	}

	return c, nil
}

// CreateParams describes a new script.
type CreateParams struct {
	Template Template
	Name     string
	Fields   *Fields
	// Content is the display text. When empty it is rendered from Fields.
	Content string
}

// CreateRecord saves a new script locally and schedules its upload. It
// succeeds regardless of network state.
func (c *Client) CreateRecord(ctx context.Context, params CreateParams) (*Record, error) {
	fields := params.Fields.Clone()
	if fields == nil {
		fields = NewFields()
	}
	name := params.Name
	if name == "" {
		name = TemplateTitle(params.Template)
	}
	content := params.Content
	if content == "" {
		content = c.renderer.Render(params.Template, fields)
	}

	now := c.now().UTC()
	rec := &Record{
		OwnerID: c.identity.CurrentOwnerID(),
		Payload: Payload{
			Template: params.Template,
			Name:     name,
			Content:  content,
			Fields:   fields,
		},
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
		SyncStatus: StatusPending,
	}
	if _, err := c.store.Insert(rec); err != nil {
		return nil, err
	}

	c.scheduleUpload(rec)
	return rec, nil
}

// UpdateParams describes changes to a script. Nil fields are left alone.
type UpdateParams struct {
	Template *Template
	Name     *string
	Fields   *Fields
	Content  *string
}

// UpdateRecord applies local edits, bumps the version and schedules the
// upload.
func (c *Client) UpdateRecord(ctx context.Context, localID string, params UpdateParams) (*Record, error) {
	rec, err := c.store.GetByID(localID)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, ErrRecordDeleted
	}

	rerender := false
	if params.Template != nil {
		rec.Payload.Template = *params.Template
		rerender = true
	}
	if params.Name != nil {
		rec.Payload.Name = *params.Name
	}
	if params.Fields != nil {
		rec.Payload.Fields = params.Fields.Clone()
		rerender = true
	}
	switch {
	case params.Content != nil:
		rec.Payload.Content = *params.Content
	case rerender:
		rec.Payload.Content = c.renderer.Render(rec.Payload.Template, rec.Payload.Fields)
	}

	rec.Version++
	rec.UpdatedAt = c.now().UTC()
	rec.SyncStatus = StatusPending
	if rec.OwnerID == "" {
		rec.OwnerID = c.identity.CurrentOwnerID()
	}
	if err := c.store.Update(rec); err != nil {
		return nil, err
	}

	c.scheduleUpload(rec)
	return rec, nil
}

// DeleteRecord soft-deletes a script; the deletion syncs like any edit.
func (c *Client) DeleteRecord(ctx context.Context, localID string) error {
	if err := c.store.SoftDelete(localID, c.now().UTC(), StatusPending); err != nil {
		return err
	}
	rec, err := c.store.GetByID(localID)
	if err != nil {
		return err
	}
	c.scheduleUpload(rec)
	return nil
}

func (c *Client) scheduleUpload(rec *Record) {
	if c.remote == nil || rec.IsAnonymous() {
		return
	}
	c.scheduler.RequestRecordSync(rec.LocalID)
}

// Get returns one record by local ID.
func (c *Client) Get(ctx context.Context, localID string) (*Record, error) {
	return c.store.GetByID(localID)
}

// List returns records matching the filter.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	return c.store.List(filter)
}

// Watch streams the current owner's live records until ctx is done.
func (c *Client) Watch(ctx context.Context) <-chan []Record {
	return c.store.GetByOwner(ctx, c.identity.CurrentOwnerID())
}

// WatchRemote streams the owner's documents as the remote store sees them.
func (c *Client) WatchRemote(ctx context.Context) (<-chan []Document, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	owner := c.identity.CurrentOwnerID()
	if owner == "" {
		return nil, unauthenticated("subscribe", "")
	}
	return c.remote.Subscribe(ctx, owner)
}

// SyncNow runs a full sync on user request. It fails at once when offline.
func (c *Client) SyncNow(ctx context.Context) (SyncResult, error) {
	if c.remote == nil {
		return SyncResult{}, ErrOffline
	}
	c.network.Refresh(ctx)
	return c.scheduler.SyncNow(ctx)
}

// Sync runs a pass in the given mode without checking connectivity first.
func (c *Client) Sync(ctx context.Context, mode SyncMode) (SyncResult, error) {
	return c.sync.PerformFullSync(ctx, mode)
}

// SyncRecord uploads one record immediately.
func (c *Client) SyncRecord(ctx context.Context, localID string) error {
	return c.sync.SyncRecord(ctx, localID)
}

// ForceSyncRecord retries a failed or conflicted record immediately.
func (c *Client) ForceSyncRecord(ctx context.Context, localID string) error {
	return c.sync.ForceSyncRecord(ctx, localID)
}

// CancelSync asks a running pass to stop.
func (c *Client) CancelSync() { c.sync.Cancel() }

// PendingSyncCount returns the number of records waiting for upload.
func (c *Client) PendingSyncCount(ctx context.Context) (int, error) {
	return c.sync.PendingSyncCount(ctx)
}

// Conflicts returns the records awaiting manual review.
func (c *Client) Conflicts(ctx context.Context) ([]Record, error) {
	return c.store.GetAllConflicted()
}

// ResolveConflict applies a manual review decision.
func (c *Client) ResolveConflict(ctx context.Context, localID string, strategy ResolutionStrategy) error {
	return c.sync.ResolveConflict(ctx, localID, strategy)
}

// Status returns the sync orchestration state.
func (c *Client) Status() SyncState { return c.sync.Status() }

// StatusChanges streams the sync orchestration state.
func (c *Client) StatusChanges(ctx context.Context) <-chan SyncState {
	return c.sync.StatusChanges(ctx)
}

// Progress returns the progress of the running pass.
func (c *Client) Progress() SyncProgress { return c.sync.Progress() }

// ProgressChanges streams pass progress.
func (c *Client) ProgressChanges(ctx context.Context) <-chan SyncProgress {
	return c.sync.ProgressChanges(ctx)
}

// LastError returns the most recent sync failure.
func (c *Client) LastError() error { return c.sync.LastError() }

// Network returns the latest connectivity snapshot.
func (c *Client) Network() NetworkState { return c.network.CurrentState() }

// NetworkChanges streams connectivity changes.
func (c *Client) NetworkChanges(ctx context.Context) <-chan NetworkState {
	return c.network.Changes(ctx)
}

// SetNetworkState pushes a connectivity state observed by the host.
func (c *Client) SetNetworkState(s NetworkState) { c.network.SetState(s) }

// OnForeground tells the client the application resumed.
func (c *Client) OnForeground() {
	if c.remote != nil {
		c.scheduler.OnForeground()
	}
}

// OnBackground tells the client the application is being suspended.
func (c *Client) OnBackground(ctx context.Context) {
	if c.remote != nil {
		c.scheduler.OnBackground(ctx)
	}
}

// Owner returns the signed-in owner, or "" when signed out.
func (c *Client) Owner() string { return c.identity.CurrentOwnerID() }

// SignIn stores a new identity.
func (c *Client) SignIn(id Identity) error {
	switch p := c.identity.(type) {
	case *FileIdentity:
		return p.Save(id)
	case *StaticIdentity:
		p.Set(id)
		return nil
	default:
		return errors.New("identity provider does not support sign-in")
	}
}

// SignOut clears the identity and cancels a running sync.
func (c *Client) SignOut() error {
	c.sync.Cancel()
	switch p := c.identity.(type) {
	case *FileIdentity:
		return p.Clear()
	case *StaticIdentity:
		p.Set(Identity{})
		return nil
	default:
		return errors.New("identity provider does not support sign-out")
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

// Export writes every local record, deleted ones included, as JSON.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	return c.store.ExportJSON(ctx, c.config.Profile, w)
}

// Import loads an export into the local store. Imported records are PENDING
// and upload with the next pass.
func (c *Client) Import(ctx context.Context, r io.Reader, strategy ImportStrategy) (*ImportResult, error) {
	result, err := c.store.ImportJSON(ctx, r, strategy)
	if err != nil {
		return result, err
	}
	c.logger.Info("import complete", "created", result.Created, "replaced", result.Replaced, "skipped", result.Skipped)
	return result, nil
}

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
		Network: c.network.CurrentState(),
	}

	// Check store
	if err := c.store.Ping(ctx); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	// Check remote connectivity
	if hs, ok := c.remote.(*HTTPDocumentStore); ok {
		err := hs.Health(ctx)
		status.RemoteReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	} else if c.remote != nil {
		status.RemoteReachable = status.Network.Connected
	}

	return status
}

// Close stops background sync and closes the store. Running work is
// cancelled.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.work.Close()
		c.network.Stop()
		if err := c.bg.Wait(); err != nil {
			c.logger.Warn("background task stopped with error", "error", err)
		}
		if fi, ok := c.identity.(*FileIdentity); ok {
			fi.Close()
		}
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}
