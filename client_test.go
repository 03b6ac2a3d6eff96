package fieldscript

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/fieldscript/docstore"
)

func wifiProber() Prober {
	return ProberFunc(func(context.Context) NetworkState { return goodWiFi })
}

// newOfflineClient returns a client with no remote configured.
func newOfflineClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		LocalPath:    filepath.Join(dir, "records.db"),
		IdentityPath: filepath.Join(dir, "identity.json"),
		DeviceID:     "test-device",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// newSyncedClient returns a client for owner talking to srv. The scheduler
// is off so tests drive passes with SyncNow.
func newSyncedClient(t *testing.T, srv *docstoreServer, owner string) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		LocalPath:    filepath.Join(dir, "records.db"),
		IdentityPath: filepath.Join(dir, "identity.json"),
		RemoteURL:    srv.URL,
		OwnerID:      owner,
		Token:        srv.token(t, owner),
		DeviceID:     "device-" + owner,
		AutoSync:     false,
	}, WithProber(wifiProber()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func splitterParams(name string) CreateParams {
	fields := FieldsOf("zone", "Nord")
	fields.Set("ports_used", NumberValue(4))
	return CreateParams{
		Template: TemplateSplitterReport,
		Name:     name,
		Fields:   fields,
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{
		LocalPath: filepath.Join(t.TempDir(), "records.db"),
		RemoteURL: "ftp://example.com",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	c := newOfflineClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// =============================================================================
// Local operations
// =============================================================================

func TestClient_CreateRecord_Offline(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	rec, err := c.CreateRecord(ctx, splitterParams(""))
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.Payload.Name != "Splitter report" {
		t.Errorf("default name = %q", rec.Payload.Name)
	}
	if !strings.Contains(rec.Payload.Content, "Ports used: 4") {
		t.Errorf("content not rendered: %q", rec.Payload.Content)
	}
	if rec.SyncStatus != StatusPending || rec.Version != 1 || !rec.IsAnonymous() {
		t.Errorf("record = %+v", rec)
	}

	n, err := c.PendingSyncCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("PendingSyncCount = %d, %v", n, err)
	}

	if _, err := c.SyncNow(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncNow err = %v, want ErrOffline", err)
	}
	if _, err := c.WatchRemote(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("WatchRemote err = %v, want ErrOffline", err)
	}
}

func TestClient_CreateRecord_ExplicitContent(t *testing.T) {
	c := newOfflineClient(t)

	rec, err := c.CreateRecord(context.Background(), CreateParams{
		Template: TemplateFreeform,
		Name:     "note",
		Content:  "cabinet door broken",
	})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.Payload.Content != "cabinet door broken" {
		t.Errorf("Content = %q", rec.Payload.Content)
	}
	if rec.Payload.Fields == nil || !rec.Payload.Fields.IsEmpty() {
		t.Errorf("Fields = %v, want empty", rec.Payload.Fields)
	}
}

func TestClient_CreateRecord_Invalid(t *testing.T) {
	c := newOfflineClient(t)

	_, err := c.CreateRecord(context.Background(), CreateParams{Name: "no template"})
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("err = %v, want ErrInvalidTemplate", err)
	}
}

func TestClient_UpdateRecord(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()
	rec, _ := c.CreateRecord(ctx, splitterParams("SP-1"))

	fields := FieldsOf("zone", "Sud")
	updated, err := c.UpdateRecord(ctx, rec.LocalID, UpdateParams{Fields: fields})
	if err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}
	if updated.Version != 2 || updated.Payload.Name != "SP-1" {
		t.Errorf("updated = %+v", updated)
	}
	if !strings.Contains(updated.Payload.Content, "Zone: Sud") {
		t.Errorf("content not re-rendered: %q", updated.Payload.Content)
	}

	fields.SetString("zone", "mutated")
	got, _ := c.Get(ctx, rec.LocalID)
	if v, _ := got.Payload.Fields.Get("zone"); v.String() != "Sud" {
		t.Errorf("stored zone = %q, caller's fields leaked in", v.String())
	}

	name := "SP-1 bis"
	renamed, err := c.UpdateRecord(ctx, rec.LocalID, UpdateParams{Name: &name})
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if renamed.Version != 3 || renamed.Payload.Content != updated.Payload.Content {
		t.Errorf("rename should bump version only: %+v", renamed)
	}
}

func TestClient_UpdateRecord_NotFound(t *testing.T) {
	c := newOfflineClient(t)

	name := "x"
	if _, err := c.UpdateRecord(context.Background(), "missing", UpdateParams{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClient_DeleteRecord(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()
	rec, _ := c.CreateRecord(ctx, splitterParams("doomed"))

	if err := c.DeleteRecord(ctx, rec.LocalID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	got, err := c.Get(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsDeleted || got.Version != 2 || got.SyncStatus != StatusPending {
		t.Errorf("deleted record = %+v", got)
	}

	list, _ := c.List(ctx, ListFilter{})
	if len(list) != 0 {
		t.Errorf("List returned %d records, want 0", len(list))
	}

	name := "revive"
	if _, err := c.UpdateRecord(ctx, rec.LocalID, UpdateParams{Name: &name}); !errors.Is(err, ErrRecordDeleted) {
		t.Errorf("update deleted err = %v, want ErrRecordDeleted", err)
	}
}

func TestClient_Watch(t *testing.T) {
	c := newOfflineClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.SignIn(Identity{OwnerID: "alice"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	ch := c.Watch(ctx)
	if initial := recv(t, ch); len(initial) != 0 {
		t.Fatalf("initial = %d records", len(initial))
	}

	rec, _ := c.CreateRecord(context.Background(), splitterParams("watched"))
	for {
		list := recv(t, ch)
		if len(list) == 1 {
			if list[0].LocalID != rec.LocalID {
				t.Errorf("watched record = %s", list[0].LocalID)
			}
			return
		}
	}
}

// =============================================================================
// Identity
// =============================================================================

func TestClient_SignInSignOut_FileIdentity(t *testing.T) {
	c := newOfflineClient(t)

	if c.Owner() != "" {
		t.Fatalf("Owner = %q, want signed out", c.Owner())
	}
	if err := c.SignIn(Identity{OwnerID: "alice", Token: "t"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if c.Owner() != "alice" {
		t.Errorf("Owner = %q", c.Owner())
	}

	rec, _ := c.CreateRecord(context.Background(), splitterParams("owned"))
	if rec.OwnerID != "alice" {
		t.Errorf("OwnerID = %q", rec.OwnerID)
	}

	if err := c.SignOut(); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if c.Owner() != "" {
		t.Errorf("Owner after sign out = %q", c.Owner())
	}
}

func TestClient_SignInSignOut_StaticIdentity(t *testing.T) {
	srv := newDocstoreServer(t)
	c := newSyncedClient(t, srv, "alice")

	if c.Owner() != "alice" {
		t.Fatalf("Owner = %q", c.Owner())
	}
	if err := c.SignOut(); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if c.Owner() != "" {
		t.Errorf("Owner after sign out = %q", c.Owner())
	}
	if err := c.SignIn(Identity{OwnerID: "bob"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if c.Owner() != "bob" {
		t.Errorf("Owner = %q", c.Owner())
	}
}

// =============================================================================
// Sync against the document store
// =============================================================================

func TestClient_SyncNow_RoundTrip(t *testing.T) {
	srv := newDocstoreServer(t)
	ctx := context.Background()

	tablet := newSyncedClient(t, srv, "alice")
	rec, err := tablet.CreateRecord(ctx, splitterParams("SP-9"))
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	if _, err := tablet.SyncNow(ctx); err != nil {
		t.Fatalf("tablet SyncNow failed: %v", err)
	}
	synced, _ := tablet.Get(ctx, rec.LocalID)
	if synced.SyncStatus != StatusSynced || synced.RemoteID == "" || synced.LastSyncAt == nil {
		t.Fatalf("after sync = %+v", synced)
	}
	if n, _ := tablet.PendingSyncCount(ctx); n != 0 {
		t.Errorf("PendingSyncCount = %d", n)
	}

	// A second device owned by the same technician picks the script up.
	phone := newSyncedClient(t, srv, "alice")
	result, err := phone.SyncNow(ctx)
	if err != nil {
		t.Fatalf("phone SyncNow failed: %v", err)
	}
	if result.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", result.Downloaded)
	}
	list, _ := phone.List(ctx, ListFilter{})
	if len(list) != 1 || list[0].RemoteID != synced.RemoteID || !list[0].Payload.Equal(synced.Payload) {
		t.Fatalf("phone records = %+v", list)
	}

	// Edit on the phone and pull it back onto the tablet.
	name := "SP-9 checked"
	if _, err := phone.UpdateRecord(ctx, list[0].LocalID, UpdateParams{Name: &name}); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}
	if _, err := phone.SyncNow(ctx); err != nil {
		t.Fatalf("phone SyncNow failed: %v", err)
	}
	if _, err := tablet.SyncNow(ctx); err != nil {
		t.Fatalf("tablet SyncNow failed: %v", err)
	}

	got, _ := tablet.Get(ctx, rec.LocalID)
	if got.Payload.Name != "SP-9 checked" || got.Version != 2 || got.SyncStatus != StatusSynced {
		t.Errorf("tablet record = %+v", got)
	}
}

func TestClient_SyncNow_DeletePropagates(t *testing.T) {
	srv := newDocstoreServer(t)
	ctx := context.Background()
	c := newSyncedClient(t, srv, "alice")

	rec, _ := c.CreateRecord(ctx, splitterParams("to delete"))
	c.SyncNow(ctx)
	if err := c.DeleteRecord(ctx, rec.LocalID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := c.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	got, _ := c.Get(ctx, rec.LocalID)
	docs, err := srv.store.List(ctx, docstore.Query{OwnerID: "alice", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("QueryByOwner failed: %v", err)
	}
	if len(docs) != 1 || !docs[0].Deleted || docs[0].ID != got.RemoteID {
		t.Errorf("remote docs = %+v", docs)
	}
}

func TestClient_SyncRecord(t *testing.T) {
	srv := newDocstoreServer(t)
	ctx := context.Background()
	c := newSyncedClient(t, srv, "alice")

	rec, _ := c.CreateRecord(ctx, splitterParams("single"))
	if err := c.SyncRecord(ctx, rec.LocalID); err != nil {
		t.Fatalf("SyncRecord failed: %v", err)
	}
	got, _ := c.Get(ctx, rec.LocalID)
	if got.SyncStatus != StatusSynced {
		t.Errorf("SyncStatus = %s", got.SyncStatus)
	}
	if c.Status() != SyncIdle {
		t.Errorf("Status = %s", c.Status())
	}
}

// =============================================================================
// Health
// =============================================================================

func TestClient_HealthCheck(t *testing.T) {
	srv := newDocstoreServer(t)
	c := newSyncedClient(t, srv, "alice")

	status := c.HealthCheck(context.Background())
	if !status.Healthy || !status.StoreOK || !status.RemoteReachable {
		t.Errorf("HealthCheck = %+v", status)
	}
}

func TestClient_HealthCheck_Offline(t *testing.T) {
	c := newOfflineClient(t)

	status := c.HealthCheck(context.Background())
	if !status.Healthy || !status.StoreOK || status.RemoteReachable {
		t.Errorf("HealthCheck = %+v", status)
	}
}

func TestClient_Stats(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()
	c.CreateRecord(ctx, splitterParams("a"))
	rec, _ := c.CreateRecord(ctx, splitterParams("b"))
	c.DeleteRecord(ctx, rec.LocalID)

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RecordCount != 1 || stats.DeletedCount != 1 || stats.PendingCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
