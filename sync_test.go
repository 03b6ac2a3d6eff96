package fieldscript

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Test doubles
// =============================================================================

// testClock advances by one second on every reading.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// fakeRemote is an in-memory DocumentStore. hook, when set, runs before
// every operation and can fail it.
type fakeRemote struct {
	now  func() time.Time
	hook func(op, id string) error

	mu        sync.Mutex
	docs      map[string]Document
	nextID    int
	calls     map[string]int
	lastQuery QueryOptions
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	return &fakeRemote{now: now, docs: make(map[string]Document), calls: make(map[string]int)}
}

func (f *fakeRemote) enter(op, id string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(op, id)
	}
	return nil
}

func (f *fakeRemote) setHook(h func(op, id string) error) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

func (f *fakeRemote) seed(doc Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
}

func (f *fakeRemote) doc(id string) (Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func remoteNotFound(op string) error {
	return &SyncError{Kind: KindNotFound, Operation: op, StatusCode: 404, Err: ErrRemoteNotFound}
}

func (f *fakeRemote) Create(ctx context.Context, doc Document) (string, error) {
	if err := f.enter("create", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	doc.ID = fmt.Sprintf("doc-%d", f.nextID)
	doc.UpdatedAt = f.now()
	f.docs[doc.ID] = doc
	return doc.ID, nil
}

func (f *fakeRemote) Upsert(ctx context.Context, id string, doc Document) error {
	if err := f.enter("upsert", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.ID = id
	doc.UpdatedAt = f.now()
	f.docs[id] = doc
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, id string) (*Document, error) {
	if err := f.enter("get", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, remoteNotFound("get")
	}
	d.Fields = d.Fields.Clone()
	return &d, nil
}

func (f *fakeRemote) QueryByOwner(ctx context.Context, ownerID string, opts QueryOptions) ([]Document, error) {
	if err := f.enter("query", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = opts
	out := []Document{}
	for _, d := range f.docs {
		if d.OwnerID != ownerID || (opts.ExcludeDeleted && d.Deleted) {
			continue
		}
		if !opts.UpdatedSince.IsZero() && !d.UpdatedAt.After(opts.UpdatedSince) {
			continue
		}
		d.Fields = d.Fields.Clone()
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, id string) error {
	if err := f.enter("soft_delete", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return remoteNotFound("soft_delete")
	}
	if !d.Deleted {
		d.Deleted = true
		d.Version++
		d.UpdatedAt = f.now()
		f.docs[id] = d
	}
	return nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, ownerID string) (<-chan []Document, error) {
	ch := make(chan []Document)
	close(ch)
	return ch, nil
}

type syncFixture struct {
	store    *Store
	remote   *fakeRemote
	identity *StaticIdentity
	clock    *testClock
	mgr      *SyncManager
}

func newSyncFixture(t *testing.T, owner string) *syncFixture {
	t.Helper()
	clock := newTestClock()
	f := &syncFixture{
		store:    newTestStore(t),
		remote:   newFakeRemote(clock.Now),
		identity: NewStaticIdentity(owner, "token"),
		clock:    clock,
	}
	f.mgr = NewSyncManager(f.store, f.remote, f.identity, SyncManagerOptions{Now: clock.Now})
	return f
}

func (f *syncFixture) insert(t *testing.T, r *Record) *Record {
	t.Helper()
	if _, err := f.store.Insert(r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return r
}

func (f *syncFixture) get(t *testing.T, localID string) *Record {
	t.Helper()
	r, err := f.store.GetByID(localID)
	if err != nil {
		t.Fatalf("GetByID(%s) failed: %v", localID, err)
	}
	return r
}

func noConnection(op, _ string) error {
	return &SyncError{Kind: KindNoConnection, Operation: op, Err: ErrNoConnection}
}

// =============================================================================
// Upload
// =============================================================================

func TestSyncManager_PerformFullSync_UploadsPending(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := f.insert(t, testRecord("alice", "new report"))

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Uploaded != 1 || result.Downloaded != 0 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}

	got := f.get(t, r.LocalID)
	if got.SyncStatus != StatusSynced || got.RemoteID == "" || got.LastSyncAt == nil {
		t.Fatalf("got status %s remote %q last sync %v", got.SyncStatus, got.RemoteID, got.LastSyncAt)
	}
	doc, ok := f.remote.doc(got.RemoteID)
	if !ok {
		t.Fatalf("remote document %s missing", got.RemoteID)
	}
	if doc.OwnerID != "alice" || doc.Version != 1 || doc.Name != "new report" {
		t.Errorf("remote doc = %+v", doc)
	}
	if f.mgr.Status() != SyncIdle || f.mgr.LastError() != nil {
		t.Errorf("status %s, last error %v", f.mgr.Status(), f.mgr.LastError())
	}
}

func TestSyncManager_PerformFullSync_Idempotent(t *testing.T) {
	f := newSyncFixture(t, "alice")
	f.insert(t, testRecord("alice", "once"))
	ctx := context.Background()

	if _, err := f.mgr.PerformFullSync(ctx, ModeFull); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	result, err := f.mgr.PerformFullSync(ctx, ModeFull)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if result.Uploaded != 0 || result.Downloaded != 0 || result.ConflictsResolved != 0 {
		t.Errorf("second pass result = %+v, want no work", result)
	}
	if f.remote.count("create") != 1 || f.remote.count("upsert") != 0 {
		t.Errorf("create=%d upsert=%d", f.remote.count("create"), f.remote.count("upsert"))
	}
}

func TestSyncManager_PerformFullSync_Unauthenticated(t *testing.T) {
	f := newSyncFixture(t, "")
	f.insert(t, testRecord("", "anonymous"))

	_, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
	if n := f.remote.totalCalls(); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
	if f.mgr.Status() != SyncFailed {
		t.Errorf("Status = %s, want ERROR", f.mgr.Status())
	}
}

func TestSyncManager_SyncRecord_AnonymousWithoutOwner(t *testing.T) {
	f := newSyncFixture(t, "")
	r := f.insert(t, testRecord("", "anonymous"))

	err := f.mgr.SyncRecord(context.Background(), r.LocalID)
	if KindOf(err) != KindUnauthenticated {
		t.Fatalf("KindOf(err) = %s, want Unauthenticated", KindOf(err))
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusPending {
		t.Errorf("SyncStatus = %s, want PENDING", got.SyncStatus)
	}
	if f.remote.totalCalls() != 0 {
		t.Errorf("remote was called")
	}
}

func TestSyncManager_PerformFullSync_AdoptsAnonymousRecords(t *testing.T) {
	f := newSyncFixture(t, "")
	r := f.insert(t, testRecord("", "written before sign in"))

	f.identity.Set(Identity{OwnerID: "alice", Token: "t"})
	if _, err := f.mgr.PerformFullSync(context.Background(), ModeFull); err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}

	got := f.get(t, r.LocalID)
	if got.OwnerID != "alice" || got.SyncStatus != StatusSynced {
		t.Errorf("got owner %q status %s", got.OwnerID, got.SyncStatus)
	}
	doc, _ := f.remote.doc(got.RemoteID)
	if doc.OwnerID != "alice" {
		t.Errorf("remote owner = %q, want alice", doc.OwnerID)
	}
}

func TestSyncManager_PerformFullSync_OfflineKeepsRecords(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := f.insert(t, testRecord("alice", "written in a basement"))
	ctx := context.Background()

	f.remote.setHook(noConnection)
	result, err := f.mgr.PerformFullSync(ctx, ModeFull)
	if KindOf(err) != KindNoConnection {
		t.Fatalf("err = %v, want NoConnection", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusError {
		t.Errorf("SyncStatus = %s, want ERROR", got.SyncStatus)
	}
	if f.mgr.LastError() == nil || f.mgr.Status() != SyncFailed {
		t.Errorf("status %s, last error %v", f.mgr.Status(), f.mgr.LastError())
	}

	f.remote.setHook(nil)
	result, err = f.mgr.PerformFullSync(ctx, ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync after reconnect failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", result.Uploaded)
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusSynced {
		t.Errorf("SyncStatus = %s, want SYNCED", got.SyncStatus)
	}
	if f.mgr.LastError() != nil {
		t.Errorf("LastError = %v after clean pass", f.mgr.LastError())
	}
}

func TestSyncManager_PerformFullSync_EditDuringUpload(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := f.insert(t, testRecord("alice", "draft"))

	f.remote.setHook(func(op, _ string) error {
		if op != "create" {
			return nil
		}
		edited := *f.get(t, r.LocalID)
		edited.Payload.Name = "edited"
		edited.Version = 2
		edited.SyncStatus = StatusPending
		return f.store.Update(&edited)
	})

	if _, err := f.mgr.PerformFullSync(context.Background(), ModeFull); err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}

	got := f.get(t, r.LocalID)
	if got.Version != 2 || got.SyncStatus != StatusSynced {
		t.Fatalf("got version %d status %s, want 2 SYNCED", got.Version, got.SyncStatus)
	}
	doc, _ := f.remote.doc(got.RemoteID)
	if doc.Name != "edited" || doc.Version != 2 {
		t.Errorf("remote doc = %q v%d, the later edit should be uploaded", doc.Name, doc.Version)
	}
}

// =============================================================================
// Download
// =============================================================================

func TestSyncManager_PerformFullSync_DownloadsNewDocuments(t *testing.T) {
	f := newSyncFixture(t, "alice")
	f.remote.seed(Document{
		ID: "doc-remote", OwnerID: "alice", Template: TemplateSplitterReport,
		Name: "from tablet", Fields: FieldsOf("splitter", "SP-2"), Version: 3,
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	f.remote.seed(Document{ID: "doc-bob", OwnerID: "bob", Template: TemplateFreeform, Version: 1})

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", result.Downloaded)
	}

	got, err := f.store.GetByRemoteID("doc-remote")
	if err != nil {
		t.Fatalf("GetByRemoteID failed: %v", err)
	}
	if got.Version != 3 || got.SyncStatus != StatusSynced || got.OwnerID != "alice" {
		t.Errorf("got %+v", got)
	}
	if _, err := f.store.GetByRemoteID("doc-bob"); !errors.Is(err, ErrNotFound) {
		t.Error("another owner's document should not be downloaded")
	}
}

func TestSyncManager_PerformFullSync_RemoteNewerOverwrites(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "v2 local")
	r.RemoteID = "doc-1"
	r.Version = 2
	r.SyncStatus = StatusSynced
	f.insert(t, r)

	f.remote.seed(Document{
		ID: "doc-1", OwnerID: "alice", Template: TemplateInterventionReport,
		Name: "v5 remote", Fields: FieldsOf("site", "Depot"), Version: 5,
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", result.Downloaded)
	}

	got := f.get(t, r.LocalID)
	if got.Version != 5 || got.Payload.Name != "v5 remote" || got.SyncStatus != StatusSynced {
		t.Errorf("got v%d %q %s", got.Version, got.Payload.Name, got.SyncStatus)
	}
	if v, _ := got.Payload.Fields.Get("site"); v.String() != "Depot" {
		t.Errorf("site = %q", v.String())
	}
	if f.remote.count("upsert") != 0 {
		t.Error("an older local copy must not be uploaded")
	}
}

func TestSyncManager_PerformFullSync_LocalAheadRepushes(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "v3 local")
	r.RemoteID = "doc-1"
	r.Version = 3
	r.SyncStatus = StatusSynced
	f.insert(t, r)

	f.remote.seed(Document{
		ID: "doc-1", OwnerID: "alice", Template: TemplateInterventionReport,
		Name: "stale v2", Fields: NewFields(), Version: 2,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Uploaded != 1 || result.Downloaded != 0 {
		t.Errorf("result = %+v, want one upload", result)
	}
	if n := f.remote.count("upsert"); n != 1 {
		t.Fatalf("upsert calls = %d, want 1", n)
	}

	doc, _ := f.remote.doc("doc-1")
	if doc.Version != 3 || doc.Name != "v3 local" {
		t.Errorf("remote = v%d %q, want v3 %q", doc.Version, doc.Name, "v3 local")
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusSynced || got.Version != 3 {
		t.Errorf("local = v%d %s, want v3 SYNCED", got.Version, got.SyncStatus)
	}

	// The second pass finds both sides equal.
	again, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("second PerformFullSync failed: %v", err)
	}
	if again.Uploaded != 0 || f.remote.count("upsert") != 1 {
		t.Errorf("second pass uploaded %d (upserts %d), want nothing", again.Uploaded, f.remote.count("upsert"))
	}
}

func TestSyncManager_PerformFullSync_LocalAheadQueuedNotCountedTwice(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "v4 local")
	r.RemoteID = "doc-1"
	r.Version = 4
	f.insert(t, r)

	f.remote.seed(Document{
		ID: "doc-1", OwnerID: "alice", Template: TemplateInterventionReport,
		Name: "v3 remote", Fields: NewFields(), Version: 3,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Uploaded != 1 || f.remote.count("upsert") != 1 {
		t.Errorf("Uploaded = %d, upserts = %d, want 1 and 1", result.Uploaded, f.remote.count("upsert"))
	}
}

func TestSyncManager_PerformFullSync_RetriesInterruptedUpload(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "left mid-upload")
	r.SyncStatus = StatusSyncing
	f.insert(t, r)

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", result.Uploaded)
	}
	if n := f.remote.count("create"); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}

	got := f.get(t, r.LocalID)
	if got.SyncStatus != StatusSynced || got.RemoteID == "" {
		t.Errorf("got status %s remote %q, want SYNCED with a remote id", got.SyncStatus, got.RemoteID)
	}
}

func TestSyncManager_PerformFullSync_EssentialRetriesInterruptedUpload(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "left mid-upload")
	r.SyncStatus = StatusSyncing
	f.insert(t, r)

	if _, err := f.mgr.PerformFullSync(context.Background(), ModeEssential); err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusSynced {
		t.Errorf("status = %s, want SYNCED", got.SyncStatus)
	}
}

func TestSyncManager_PerformFullSync_Incremental(t *testing.T) {
	f := newSyncFixture(t, "alice")
	f.insert(t, testRecord("alice", "one"))
	ctx := context.Background()

	if _, err := f.mgr.PerformFullSync(ctx, ModeFull); err != nil {
		t.Fatalf("full pass failed: %v", err)
	}
	last, err := f.store.LastSync()
	if err != nil || last.IsZero() {
		t.Fatalf("LastSync = %v, %v", last, err)
	}

	if _, err := f.mgr.PerformFullSync(ctx, ModeIncremental); err != nil {
		t.Fatalf("incremental pass failed: %v", err)
	}
	f.remote.mu.Lock()
	since := f.remote.lastQuery.UpdatedSince
	f.remote.mu.Unlock()
	if !since.Equal(last) {
		t.Errorf("UpdatedSince = %v, want %v", since, last)
	}
}

func TestSyncManager_PerformFullSync_EssentialSkipsDownload(t *testing.T) {
	f := newSyncFixture(t, "alice")
	f.insert(t, testRecord("alice", "urgent"))

	result, err := f.mgr.PerformFullSync(context.Background(), ModeEssential)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", result.Uploaded)
	}
	if f.remote.count("query") != 0 {
		t.Error("essential mode should not download")
	}
}

// =============================================================================
// Deletion
// =============================================================================

func TestSyncManager_SoftDeletePropagates(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "obsolete")
	r.RemoteID = "doc-1"
	r.SyncStatus = StatusSynced
	f.insert(t, r)
	f.remote.seed(DocumentFromRecord(r))

	if err := f.store.SoftDelete(r.LocalID, f.clock.Now(), StatusPending); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if _, err := f.mgr.PerformFullSync(context.Background(), ModeFull); err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}

	doc, _ := f.remote.doc("doc-1")
	if !doc.Deleted || doc.Version != 2 {
		t.Errorf("remote doc deleted=%v version=%d", doc.Deleted, doc.Version)
	}
	got := f.get(t, r.LocalID)
	if !got.IsDeleted || got.SyncStatus != StatusSynced {
		t.Errorf("local deleted=%v status=%s", got.IsDeleted, got.SyncStatus)
	}
}

func TestSyncManager_DeletedBeforeUpload(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := f.insert(t, testRecord("alice", "typo"))
	f.store.SoftDelete(r.LocalID, f.clock.Now(), StatusPending)

	if err := f.mgr.SyncRecord(context.Background(), r.LocalID); err != nil {
		t.Fatalf("SyncRecord failed: %v", err)
	}
	if f.remote.totalCalls() != 0 {
		t.Error("a record deleted before upload never reaches the remote")
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusSynced {
		t.Errorf("SyncStatus = %s, want SYNCED", got.SyncStatus)
	}
}

func TestSyncManager_SoftDeleteMissingRemote(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := testRecord("alice", "gone")
	r.RemoteID = "doc-404"
	r.SyncStatus = StatusSynced
	f.insert(t, r)
	f.store.SoftDelete(r.LocalID, f.clock.Now(), StatusPending)

	if err := f.mgr.SyncRecord(context.Background(), r.LocalID); err != nil {
		t.Fatalf("SyncRecord failed: %v", err)
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusSynced {
		t.Errorf("SyncStatus = %s, want SYNCED", got.SyncStatus)
	}
}

// =============================================================================
// Conflicts
// =============================================================================

// seedConflict leaves a record edited locally to v4 while the remote copy
// moved to v4 with different content, and the local upload failed.
func seedConflict(t *testing.T, f *syncFixture, remoteAt time.Time, remoteFields *Fields) *Record {
	t.Helper()
	localAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	r := testRecord("alice", "local edit")
	r.RemoteID = "doc-1"
	r.Version = 4
	r.UpdatedAt = localAt
	r.CreatedAt = localAt.Add(-time.Hour)
	r.Payload.Fields = FieldsOf("notes", "cable cut")
	f.insert(t, r)

	f.remote.seed(Document{
		ID: "doc-1", OwnerID: "alice", Template: TemplateInterventionReport,
		Name: "remote edit", Fields: remoteFields, Version: 4, UpdatedAt: remoteAt,
	})
	return r
}

func failUpserts(op, _ string) error {
	if op == "upsert" {
		return &SyncError{Kind: KindPermissionDenied, Operation: op, StatusCode: 403, Err: ErrPermissionDenied}
	}
	return nil
}

func TestSyncManager_Conflict_ResolvedAutomatically(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := seedConflict(t, f, time.Date(2026, 2, 10, 9, 10, 0, 0, time.UTC), FieldsOf("notes", "splice redone"))
	f.remote.setHook(failUpserts)

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Failed != 1 || result.ConflictsResolved != 1 {
		t.Errorf("result = %+v", result)
	}

	got := f.get(t, r.LocalID)
	if got.SyncStatus != StatusSynced || got.Payload.Name != "remote edit" || got.Version != 4 {
		t.Errorf("got %s %q v%d, remote should win by a wide margin", got.SyncStatus, got.Payload.Name, got.Version)
	}
}

func TestSyncManager_Conflict_ManualReview(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := seedConflict(t, f, time.Date(2026, 2, 10, 9, 0, 30, 0, time.UTC), FieldsOf("notes", "splice redone"))
	f.remote.setHook(failUpserts)
	ctx := context.Background()

	result, err := f.mgr.PerformFullSync(ctx, ModeFull)
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.ConflictsResolved != 0 {
		t.Errorf("ConflictsResolved = %d, want 0", result.ConflictsResolved)
	}
	if got := f.get(t, r.LocalID); got.SyncStatus != StatusConflict {
		t.Fatalf("SyncStatus = %s, want CONFLICT", got.SyncStatus)
	}

	f.remote.setHook(nil)
	if err := f.mgr.ResolveConflict(ctx, r.LocalID, ResolvePreferLocal); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	got := f.get(t, r.LocalID)
	if got.SyncStatus != StatusSynced || got.Version != 5 {
		t.Errorf("got %s v%d, want SYNCED v5", got.SyncStatus, got.Version)
	}
	doc, _ := f.remote.doc("doc-1")
	if doc.Name != "local edit" || doc.Version != 5 {
		t.Errorf("remote = %q v%d, want local content at v5", doc.Name, doc.Version)
	}
}

func TestSyncManager_ResolveConflict_NotConflicted(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := f.insert(t, testRecord("alice", "fine"))

	err := f.mgr.ResolveConflict(context.Background(), r.LocalID, ResolvePreferLocal)
	if !errors.Is(err, ErrNotConflicted) {
		t.Errorf("err = %v, want ErrNotConflicted", err)
	}
}

func TestSyncManager_ForceSyncRecord_Conflict(t *testing.T) {
	f := newSyncFixture(t, "alice")
	r := seedConflict(t, f, time.Date(2026, 2, 10, 9, 0, 30, 0, time.UTC), FieldsOf("notes", "splice redone"))
	f.store.UpdateSyncStatus(r.LocalID, StatusConflict)

	if err := f.mgr.ForceSyncRecord(context.Background(), r.LocalID); err != nil {
		t.Fatalf("ForceSyncRecord failed: %v", err)
	}

	got := f.get(t, r.LocalID)
	if got.Version != 5 || got.SyncStatus != StatusSynced {
		t.Errorf("got v%d %s, want v5 SYNCED", got.Version, got.SyncStatus)
	}
	doc, _ := f.remote.doc("doc-1")
	if doc.Name != "local edit" {
		t.Errorf("remote name = %q, local copy should win", doc.Name)
	}
}

// =============================================================================
// Orchestration
// =============================================================================

func TestSyncManager_Cancel(t *testing.T) {
	f := newSyncFixture(t, "alice")
	for i := 0; i < 3; i++ {
		f.insert(t, testRecord("alice", fmt.Sprintf("r%d", i)))
	}

	f.remote.setHook(func(op, _ string) error {
		if op == "create" {
			f.mgr.Cancel()
		}
		return nil
	})

	result, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
	if !errors.Is(err, ErrSyncCancelled) {
		t.Fatalf("err = %v, want ErrSyncCancelled", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", result.Uploaded)
	}
	if f.mgr.Status() != SyncCancelled {
		t.Errorf("Status = %s, want CANCELLED", f.mgr.Status())
	}
	if n, _ := f.mgr.PendingSyncCount(context.Background()); n != 2 {
		t.Errorf("PendingSyncCount = %d, want 2", n)
	}
}

func TestSyncManager_SinglePassAtATime(t *testing.T) {
	f := newSyncFixture(t, "alice")
	f.insert(t, testRecord("alice", "slow"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.setHook(func(op, _ string) error {
		if op == "create" {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.PerformFullSync(context.Background(), ModeFull)
		done <- err
	}()

	<-entered
	if !f.mgr.IsSyncing() {
		t.Error("IsSyncing should be true during a pass")
	}
	if _, err := f.mgr.PerformFullSync(context.Background(), ModeFull); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second pass err = %v, want ErrSyncInProgress", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if f.mgr.IsSyncing() {
		t.Error("IsSyncing should be false after the pass")
	}
}

func TestSyncManager_StatusChanges(t *testing.T) {
	f := newSyncFixture(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.mgr.StatusChanges(ctx)
	if got := recv(t, ch); got != SyncIdle {
		t.Fatalf("initial status = %s", got)
	}

	f.mgr.PerformFullSync(ctx, ModeFull)

	// Intermediate states may be conflated; the stream must settle on IDLE.
	deadline := time.After(2 * time.Second)
	for f.mgr.Status() != SyncIdle {
		select {
		case <-deadline:
			t.Fatal("status never returned to IDLE")
		case <-ch:
		}
	}
}

func TestSyncManager_NoRemote(t *testing.T) {
	store := newTestStore(t)
	mgr := NewSyncManager(store, nil, NewStaticIdentity("alice", ""), SyncManagerOptions{})
	ctx := context.Background()

	if _, err := mgr.PerformFullSync(ctx, ModeFull); !errors.Is(err, ErrOffline) {
		t.Errorf("PerformFullSync err = %v, want ErrOffline", err)
	}
	if err := mgr.SyncRecord(ctx, "x"); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncRecord err = %v, want ErrOffline", err)
	}
	if err := mgr.ResolveConflict(ctx, "x", ResolveMerge); !errors.Is(err, ErrOffline) {
		t.Errorf("ResolveConflict err = %v, want ErrOffline", err)
	}
}

func TestSyncManager_InvalidMode(t *testing.T) {
	f := newSyncFixture(t, "alice")
	if _, err := f.mgr.PerformFullSync(context.Background(), SyncMode("turbo")); err == nil {
		t.Error("expected error for unknown mode")
	}
}
