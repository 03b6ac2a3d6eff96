package fieldscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SyncManagerOptions configures a SyncManager. Zero fields take defaults.
type SyncManagerOptions struct {
	Resolver *Resolver
	Guard    *Guard
	Logger   *slog.Logger
	Now      func() time.Time
}

// SyncManager reconciles the local record store with the remote document
// store.
//
// A full pass runs three phases in order: upload pending records, download
// the owner's remote documents, and resolve conflicts. Per-record failures
// are logged and counted but never abort a pass.
type SyncManager struct {
	store    RecordStore
	remote   DocumentStore
	identity IdentityProvider
	resolver *Resolver
	guard    *Guard
	logger   *slog.Logger
	now      func() time.Time

	running   atomic.Bool
	cancelled atomic.Bool

	status   *Observable[SyncState]
	progress *Observable[SyncProgress]

	// recordLocks serializes uploads of the same record.
	recordLocks sync.Map

	mu      sync.Mutex
	lastErr error
}

// NewSyncManager creates a sync manager. A nil remote makes every remote
// operation fail with ErrOffline.
func NewSyncManager(store RecordStore, remote DocumentStore, identity IdentityProvider, opts SyncManagerOptions) *SyncManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(DefaultResolverConfig(), opts.Now)
	}
	return &SyncManager{
		store:    store,
		remote:   remote,
		identity: identity,
		resolver: opts.Resolver,
		guard:    opts.Guard,
		logger:   opts.Logger.With("component", "sync"),
		now:      opts.Now,
		status:   NewObservable(SyncIdle),
		progress: NewObservable(SyncProgress{}),
	}
}

func (m *SyncManager) owner() string {
	if m.identity == nil {
		return ""
	}
	return m.identity.CurrentOwnerID()
}

// Status returns the current orchestration state.
func (m *SyncManager) Status() SyncState { return m.status.Value() }

// StatusChanges streams the orchestration state until ctx is done.
func (m *SyncManager) StatusChanges(ctx context.Context) <-chan SyncState {
	return m.status.Subscribe(ctx)
}

// Progress returns the progress of the running pass.
func (m *SyncManager) Progress() SyncProgress { return m.progress.Value() }

// ProgressChanges streams pass progress until ctx is done.
func (m *SyncManager) ProgressChanges(ctx context.Context) <-chan SyncProgress {
	return m.progress.Subscribe(ctx)
}

// LastError returns the most recent sync failure, or nil after a clean pass.
func (m *SyncManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *SyncManager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// IsSyncing reports whether a full pass is running.
func (m *SyncManager) IsSyncing() bool { return m.running.Load() }

// Cancel asks the running pass to stop before its next record. Calls in
// flight are not interrupted.
func (m *SyncManager) Cancel() {
	if m.running.Load() {
		m.cancelled.Store(true)
		m.logger.Info("sync cancellation requested")
	}
}

// PendingSyncCount returns the number of records waiting for upload.
func (m *SyncManager) PendingSyncCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := m.store.CountPending()
	if err != nil {
		return 0, storeError("pending_count", "", err)
	}
	return n, nil
}

func unauthenticated(op, localID string) *SyncError {
	return &SyncError{Kind: KindUnauthenticated, Operation: op, LocalID: localID, Err: ErrUnauthenticated}
}

func (m *SyncManager) lockRecord(localID string) func() {
	v, _ := m.recordLocks.LoadOrStore(localID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SyncRecord uploads one record and marks it SYNCED. On failure the record
// is marked ERROR and a *SyncError is returned. Calling it again retries
// the same upload; an already SYNCED record is left alone.
func (m *SyncManager) SyncRecord(ctx context.Context, localID string) error {
	_, err := m.syncRecord(ctx, localID)
	return err
}

// syncRecord reports whether an upload was attempted and recorded.
func (m *SyncManager) syncRecord(ctx context.Context, localID string) (bool, error) {
	if m.remote == nil {
		return false, ErrOffline
	}

	unlock := m.lockRecord(localID)
	defer unlock()

	rec, err := m.store.GetByID(localID)
	if err != nil {
		return false, storeError("sync_record", localID, err)
	}
	if rec.SyncStatus == StatusSynced {
		return false, nil
	}

	if rec.IsAnonymous() {
		owner := m.owner()
		if owner == "" {
			return false, unauthenticated("sync_record", localID)
		}
		if _, err := m.store.AssignOwner(owner); err != nil {
			return false, storeError("adopt", localID, err)
		}
		rec.OwnerID = owner
	}

	if err := m.store.UpdateSyncStatus(localID, StatusSyncing); err != nil {
		return false, storeError("sync_record", localID, err)
	}

	remoteID, err := m.upload(ctx, rec)
	if err != nil {
		if serr := m.store.UpdateSyncStatus(localID, StatusError); serr != nil {
			m.logger.Error("mark record failed", "local_id", localID, "error", serr)
		}
		return false, newSyncError("sync_record", localID, err)
	}

	synced, err := m.store.MarkSynced(localID, remoteID, rec.Version, m.now().UTC())
	if err != nil {
		if remoteID != "" {
			if lerr := m.store.UpdateRemoteID(localID, remoteID, StatusError); lerr != nil {
				m.logger.Error("link remote id failed", "local_id", localID, "error", lerr)
			}
		} else if serr := m.store.UpdateSyncStatus(localID, StatusError); serr != nil {
			m.logger.Error("mark record failed", "local_id", localID, "error", serr)
		}
		return false, storeError("sync_record", localID, err)
	}
	if !synced {
		m.logger.Debug("record edited during upload", "local_id", localID, "version", rec.Version)
	}
	return true, nil
}

func (m *SyncManager) upload(ctx context.Context, rec *Record) (string, error) {
	switch {
	case rec.IsDeleted && rec.RemoteID == "":
		return "", nil

	case rec.IsDeleted:
		err := m.guard.Call(ctx, "soft_delete", func(ctx context.Context) error {
			return m.remote.SoftDelete(ctx, rec.RemoteID)
		})
		if errors.Is(err, ErrRemoteNotFound) {
			err = nil
		}
		return rec.RemoteID, err

	case rec.RemoteID == "":
		doc := DocumentFromRecord(rec)
		var id string
		err := m.guard.Call(ctx, "create", func(ctx context.Context) error {
			var err error
			id, err = m.remote.Create(ctx, doc)
			return err
		})
		return id, err

	default:
		doc := DocumentFromRecord(rec)
		err := m.guard.Call(ctx, "upsert", func(ctx context.Context) error {
			return m.remote.Upsert(ctx, rec.RemoteID, doc)
		})
		return rec.RemoteID, err
	}
}

// ForceSyncRecord resets a failed or conflicted record to PENDING and
// uploads it, letting the attempt through an open circuit breaker. A
// conflicted record keeps its local content over the remote copy.
func (m *SyncManager) ForceSyncRecord(ctx context.Context, localID string) error {
	if m.remote == nil {
		return ErrOffline
	}

	rec, err := m.store.GetByID(localID)
	if err != nil {
		return storeError("force_sync", localID, err)
	}

	if rec.SyncStatus == StatusConflict {
		rec.Version++
		rec.UpdatedAt = m.now().UTC()
		rec.SyncStatus = StatusPending
		if err := m.store.Update(rec); err != nil {
			return storeError("force_sync", localID, err)
		}
	} else if err := m.store.UpdateSyncStatus(localID, StatusPending); err != nil {
		return storeError("force_sync", localID, err)
	}

	return m.SyncRecord(withBreakerBypass(ctx), localID)
}

// PerformFullSync runs a sync pass in the given mode. It fails immediately
// with an Unauthenticated *SyncError when no owner is signed in, and with
// ErrSyncInProgress when another pass is running. A cancelled pass returns
// the partial result with ErrSyncCancelled.
func (m *SyncManager) PerformFullSync(ctx context.Context, mode SyncMode) (SyncResult, error) {
	result := SyncResult{Mode: mode}
	if !mode.IsValid() {
		return result, fmt.Errorf("unknown sync mode %q", mode)
	}
	if m.remote == nil {
		return result, ErrOffline
	}

	owner := m.owner()
	if owner == "" {
		err := unauthenticated("full_sync", "")
		m.setLastError(err)
		m.status.Set(SyncFailed)
		return result, err
	}

	if !m.running.CompareAndSwap(false, true) {
		return result, ErrSyncInProgress
	}
	defer m.running.Store(false)
	m.cancelled.Store(false)

	start := m.now()
	m.status.Set(SyncRunning)
	m.logger.Info("sync started", "mode", mode, "owner", owner)

	var failure error
	err := m.run(ctx, owner, mode, &result, &failure)
	result.Duration = m.now().Sub(start)
	m.progress.Set(SyncProgress{})

	switch {
	case errors.Is(err, ErrSyncCancelled), errors.Is(err, context.Canceled):
		m.status.Set(SyncCancelled)
		m.logger.Info("sync cancelled", "uploaded", result.Uploaded, "downloaded", result.Downloaded)
		return result, ErrSyncCancelled
	case err != nil:
		m.setLastError(err)
		m.status.Set(SyncFailed)
		m.logger.Error("sync failed", "mode", mode, "error", err)
		return result, err
	}

	m.setLastError(failure)
	m.status.Set(SyncIdle)
	m.logger.Info("sync completed",
		"mode", mode,
		"uploaded", result.Uploaded,
		"downloaded", result.Downloaded,
		"conflicts_resolved", result.ConflictsResolved,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	return result, nil
}

func (m *SyncManager) checkCancelled(ctx context.Context) error {
	if m.cancelled.Load() {
		return ErrSyncCancelled
	}
	return ctx.Err()
}

// run executes the phases. Fatal errors are returned; the latest per-record
// failure is stored in failure.
func (m *SyncManager) run(ctx context.Context, owner string, mode SyncMode, result *SyncResult, failure *error) error {
	fail := func(err error) {
		result.Failed++
		*failure = err
	}

	m.progress.Set(SyncProgress{Phase: PhaseAdopt})
	adopted, err := m.store.AssignOwner(owner)
	if err != nil {
		return storeError("adopt", "", err)
	}
	if adopted > 0 {
		m.logger.Info("adopted anonymous records", "count", adopted, "owner", owner)
	}

	if err := m.checkCancelled(ctx); err != nil {
		return err
	}
	if err := m.uploadPhase(ctx, result, fail); err != nil {
		return err
	}
	if mode == ModeEssential {
		return nil
	}

	if err := m.checkCancelled(ctx); err != nil {
		return err
	}
	var since time.Time
	if mode == ModeIncremental {
		if since, err = m.store.LastSync(); err != nil {
			return storeError("download", "", err)
		}
	}
	newest, err := m.downloadPhase(ctx, owner, since, result, fail)
	if err != nil {
		return err
	}

	if err := m.checkCancelled(ctx); err != nil {
		return err
	}
	if err := m.resolvePhase(ctx, result, fail); err != nil {
		return err
	}

	if newest.After(since) {
		if err := m.store.SetLastSync(newest); err != nil {
			m.logger.Warn("record last sync time", "error", err)
		}
	}
	return nil
}

func (m *SyncManager) uploadPhase(ctx context.Context, result *SyncResult, fail func(error)) error {
	pending, err := m.store.GetAllPending()
	if err != nil {
		return storeError("upload", "", err)
	}
	failed, err := m.store.GetAllFailed()
	if err != nil {
		return storeError("upload", "", err)
	}
	// SYNCING rows left by a crash or a failed status write. A concurrent
	// single-record upload holds the record lock, so SyncRecord waits for it
	// and then skips the record once it is SYNCED.
	interrupted, err := m.store.GetAllSyncing()
	if err != nil {
		return storeError("upload", "", err)
	}
	items := append(append(pending, failed...), interrupted...)

	total := len(items)
	m.progress.Set(SyncProgress{Phase: PhaseUpload, Total: total})
	for i := range items {
		if err := m.checkCancelled(ctx); err != nil {
			return err
		}
		uploaded, err := m.syncRecord(ctx, items[i].LocalID)
		if err != nil {
			m.logger.Warn("upload failed", "local_id", items[i].LocalID, "kind", KindOf(err), "error", err)
			fail(err)
		} else if uploaded {
			result.Uploaded++
		}
		m.progress.Set(SyncProgress{Phase: PhaseUpload, Current: i + 1, Total: total})
	}
	return nil
}

// downloadPhase applies the owner's remote documents and returns the newest
// remote update time seen.
func (m *SyncManager) downloadPhase(ctx context.Context, owner string, since time.Time, result *SyncResult, fail func(error)) (time.Time, error) {
	m.progress.Set(SyncProgress{Phase: PhaseDownload})

	var docs []Document
	err := m.guard.Call(ctx, "query", func(ctx context.Context) error {
		var err error
		docs, err = m.remote.QueryByOwner(ctx, owner, QueryOptions{ExcludeDeleted: true, UpdatedSince: since})
		return err
	})
	if err != nil {
		return time.Time{}, newSyncError("download", "", err)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})

	var newest time.Time
	total := len(docs)
	m.progress.Set(SyncProgress{Phase: PhaseDownload, Total: total})
	for i := range docs {
		if err := m.checkCancelled(ctx); err != nil {
			return time.Time{}, err
		}
		if docs[i].UpdatedAt.After(newest) {
			newest = docs[i].UpdatedAt
		}
		if err := m.applyRemote(ctx, owner, &docs[i], result); err != nil {
			m.logger.Warn("download failed", "remote_id", docs[i].ID, "kind", KindOf(err), "error", err)
			fail(err)
		}
		m.progress.Set(SyncProgress{Phase: PhaseDownload, Current: i + 1, Total: total})
	}
	return newest, nil
}

func (m *SyncManager) applyRemote(ctx context.Context, owner string, doc *Document, result *SyncResult) error {
	remote := doc.Record()

	local, err := m.store.GetByRemoteID(doc.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		now := m.now().UTC()
		remote.SyncStatus = StatusSynced
		remote.LastSyncAt = &now
		if remote.OwnerID == "" {
			remote.OwnerID = owner
		}
		if _, err := m.store.Insert(&remote); err != nil {
			return storeError("download", "", err)
		}
		result.Downloaded++
		return nil

	case err != nil:
		return storeError("download", "", err)

	case local.Version < remote.Version:
		if err := m.overwrite(local, &remote); err != nil {
			return err
		}
		result.Downloaded++
		return nil

	case local.Version > remote.Version:
		// Queued and conflicted records belong to the upload and resolve
		// phases. A SYNCED copy ahead of the remote has to be pushed again.
		if local.SyncStatus != StatusSynced {
			return nil
		}
		if err := m.store.UpdateSyncStatus(local.LocalID, StatusPending); err != nil {
			return storeError("download", local.LocalID, err)
		}
		uploaded, err := m.syncRecord(ctx, local.LocalID)
		if err != nil {
			return err
		}
		if uploaded {
			result.Uploaded++
		}
		return nil

	case m.resolver.HasConflict(local, &remote):
		m.logger.Info("conflict detected", "local_id", local.LocalID, "version", local.Version)
		if err := m.store.UpdateSyncStatus(local.LocalID, StatusConflict); err != nil {
			return storeError("download", local.LocalID, err)
		}
		return nil

	case local.SyncStatus != StatusSynced:
		// Same version and content: a previous upload landed without being
		// recorded.
		if _, err := m.store.MarkSynced(local.LocalID, doc.ID, local.Version, m.now().UTC()); err != nil {
			return storeError("download", local.LocalID, err)
		}
		return nil
	}
	return nil
}

// overwrite replaces local content with the remote copy and marks it SYNCED.
func (m *SyncManager) overwrite(local, remote *Record) error {
	now := m.now().UTC()
	updated := *local
	updated.Payload = remote.Payload.Clone()
	updated.Version = remote.Version
	updated.UpdatedAt = remote.UpdatedAt
	updated.IsDeleted = remote.IsDeleted
	updated.SyncStatus = StatusSynced
	updated.LastSyncAt = &now
	if updated.OwnerID == "" {
		updated.OwnerID = remote.OwnerID
	}
	if err := m.store.Update(&updated); err != nil {
		return storeError("overwrite", local.LocalID, err)
	}
	return nil
}

func (m *SyncManager) resolvePhase(ctx context.Context, result *SyncResult, fail func(error)) error {
	conflicted, err := m.store.GetAllConflicted()
	if err != nil {
		return storeError("resolve", "", err)
	}

	total := len(conflicted)
	m.progress.Set(SyncProgress{Phase: PhaseResolve, Total: total})
	for i := range conflicted {
		if err := m.checkCancelled(ctx); err != nil {
			return err
		}
		rec := &conflicted[i]
		if rec.RemoteID != "" {
			resolved, err := m.resolve(ctx, rec, "")
			if resolved {
				result.ConflictsResolved++
			}
			if err != nil {
				m.logger.Warn("conflict resolution failed", "local_id", rec.LocalID, "kind", KindOf(err), "error", err)
				fail(err)
			}
		}
		m.progress.Set(SyncProgress{Phase: PhaseResolve, Current: i + 1, Total: total})
	}
	return nil
}

// resolve reconciles one conflicted record against a fresh remote copy.
// An empty strategy lets the resolver choose. It reports whether the
// record left the CONFLICT state.
func (m *SyncManager) resolve(ctx context.Context, local *Record, forced ResolutionStrategy) (bool, error) {
	var doc *Document
	err := m.guard.Call(ctx, "get", func(ctx context.Context) error {
		var err error
		doc, err = m.remote.Get(ctx, local.RemoteID)
		return err
	})
	if errors.Is(err, ErrRemoteNotFound) {
		// The remote copy is gone; upload ours again.
		if err := m.store.UpdateSyncStatus(local.LocalID, StatusPending); err != nil {
			return false, storeError("resolve", local.LocalID, err)
		}
		return true, nil
	}
	if err != nil {
		return false, newSyncError("resolve", local.LocalID, err)
	}
	remote := doc.Record()

	switch {
	case local.Version < remote.Version:
		return true, m.overwrite(local, &remote)

	case local.Version > remote.Version:
		if err := m.store.UpdateSyncStatus(local.LocalID, StatusPending); err != nil {
			return false, storeError("resolve", local.LocalID, err)
		}
		return true, m.SyncRecord(ctx, local.LocalID)

	case local.Payload.Equal(remote.Payload):
		if _, err := m.store.MarkSynced(local.LocalID, remote.RemoteID, local.Version, m.now().UTC()); err != nil {
			return false, storeError("resolve", local.LocalID, err)
		}
		return true, nil
	}

	var res Resolution
	if forced != "" {
		res = m.resolver.Force(local, &remote, forced)
	} else {
		res = m.resolver.Resolve(local, &remote)
	}
	m.logger.Info("conflict resolved", "local_id", local.LocalID, "strategy", res.Strategy, "version", res.Record.Version)

	if res.Strategy == ResolveManual {
		return false, nil
	}
	if err := m.store.Update(&res.Record); err != nil {
		return false, storeError("resolve", local.LocalID, err)
	}
	if res.Record.SyncStatus == StatusPending {
		return true, m.SyncRecord(ctx, local.LocalID)
	}
	return true, nil
}

// ResolveConflict applies a strategy chosen during manual review.
func (m *SyncManager) ResolveConflict(ctx context.Context, localID string, strategy ResolutionStrategy) error {
	if m.remote == nil {
		return ErrOffline
	}

	rec, err := m.store.GetByID(localID)
	if err != nil {
		return storeError("resolve", localID, err)
	}
	if rec.SyncStatus != StatusConflict {
		return fmt.Errorf("%w: %s is %s", ErrNotConflicted, localID, rec.SyncStatus)
	}
	if rec.RemoteID == "" {
		return m.store.UpdateSyncStatus(localID, StatusPending)
	}

	_, err = m.resolve(ctx, rec, strategy)
	return err
}
