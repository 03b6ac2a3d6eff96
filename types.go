package fieldscript

import "time"

// Record is a saved script, the unit of synchronization.
type Record struct {
	LocalID    string     `json:"local_id"`
	RemoteID   string     `json:"remote_id,omitempty"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Payload    Payload    `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Version    int64      `json:"version"`
	SyncStatus SyncStatus `json:"sync_status"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	IsDeleted  bool       `json:"is_deleted"`
}

// IsAnonymous reports whether the record was created before any owner was known.
func (r *Record) IsAnonymous() bool {
	return r.OwnerID == ""
}

// Payload is the content of a script. The sync core compares and merges it
// but never interprets template semantics.
type Payload struct {
	Template Template `json:"template"`
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	Fields   *Fields  `json:"fields"`
}

// Equal reports whether two payloads carry the same content.
func (p Payload) Equal(other Payload) bool {
	return p.Template == other.Template &&
		p.Name == other.Name &&
		p.Content == other.Content &&
		p.Fields.Equal(other.Fields)
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	p.Fields = p.Fields.Clone()
	return p
}

// Template identifies the script template a record was filled from.
type Template string

const (
	TemplateInterventionReport Template = "INTERVENTION_REPORT"
	TemplateSplitterReport     Template = "SPLITTER_REPORT"
	TemplateInstallationReport Template = "INSTALLATION_REPORT"
	TemplateFreeform           Template = "FREEFORM"
)

// KnownTemplates returns the templates shipped with the application.
// Other template names are accepted and carried through sync untouched.
func KnownTemplates() []Template {
	return []Template{
		TemplateInterventionReport,
		TemplateSplitterReport,
		TemplateInstallationReport,
		TemplateFreeform,
	}
}

// IsValid checks that the template name is usable.
func (t Template) IsValid() bool {
	return t != ""
}

// SyncStatus is the per-record synchronization state.
type SyncStatus string

const (
	StatusPending  SyncStatus = "PENDING"
	StatusSyncing  SyncStatus = "SYNCING"
	StatusSynced   SyncStatus = "SYNCED"
	StatusConflict SyncStatus = "CONFLICT"
	StatusError    SyncStatus = "ERROR"
)

// ValidSyncStatuses returns all record sync statuses.
func ValidSyncStatuses() []SyncStatus {
	return []SyncStatus{StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError}
}

// IsValid checks if the status is a known sync status.
func (s SyncStatus) IsValid() bool {
	for _, valid := range ValidSyncStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// SyncState is the orchestration state reported by the SyncManager.
type SyncState string

const (
	SyncIdle      SyncState = "IDLE"
	SyncRunning   SyncState = "SYNCING"
	SyncFailed    SyncState = "ERROR"
	SyncCancelled SyncState = "CANCELLED"
)

// SyncPhase names a stage of a full sync pass.
type SyncPhase string

const (
	PhaseIdle     SyncPhase = ""
	PhaseAdopt    SyncPhase = "adopt"
	PhaseUpload   SyncPhase = "upload"
	PhaseDownload SyncPhase = "download"
	PhaseResolve  SyncPhase = "resolve"
)

// SyncProgress reports how far a full sync pass has advanced.
type SyncProgress struct {
	Phase   SyncPhase `json:"phase"`
	Current int       `json:"current"`
	Total   int       `json:"total"`
}

// SyncMode selects how much of a full sync pass runs.
type SyncMode string

const (
	// ModeFull uploads pending records, downloads every owned document and
	// resolves conflicts.
	ModeFull SyncMode = "full"
	// ModeIncremental is ModeFull restricted to documents updated since the
	// last successful pass.
	ModeIncremental SyncMode = "incremental"
	// ModeEssential only uploads pending records.
	ModeEssential SyncMode = "essential"
)

// IsValid checks if the mode is a known sync mode.
func (m SyncMode) IsValid() bool {
	return m == ModeFull || m == ModeIncremental || m == ModeEssential
}

// SyncResult contains the aggregate counts of a full sync pass.
type SyncResult struct {
	Mode              SyncMode      `json:"mode"`
	Uploaded          int           `json:"uploaded"`
	Downloaded        int           `json:"downloaded"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Failed            int           `json:"failed"`
	Duration          time.Duration `json:"duration"`
}

// StoreStats contains statistics about the local store.
type StoreStats struct {
	RecordCount   int       `json:"record_count"`
	PendingCount  int       `json:"pending_count"`
	ConflictCount int       `json:"conflict_count"`
	ErrorCount    int       `json:"error_count"`
	DeletedCount  int       `json:"deleted_count"`
	LastSync      time.Time `json:"last_sync"`
	SchemaVersion string    `json:"schema_version"`
}

// HealthStatus represents the health of the client.
type HealthStatus struct {
	Healthy         bool         `json:"healthy"`
	StoreOK         bool         `json:"store_ok"`
	RemoteReachable bool         `json:"remote_reachable"`
	Network         NetworkState `json:"network"`
	Error           string       `json:"error,omitempty"`
}

// Content limits.
const (
	MaxNameLength    = 200
	MaxContentLength = 20000
	MaxFieldCount    = 200
)
