package fieldscript

import (
	"fmt"
	"strings"
	"time"
)

// ResolutionStrategy is the action taken for a conflicting record pair.
type ResolutionStrategy string

const (
	ResolveMerge        ResolutionStrategy = "MERGE"
	ResolvePreferLocal  ResolutionStrategy = "PREFER_LOCAL"
	ResolvePreferRemote ResolutionStrategy = "PREFER_REMOTE"
	ResolveManual       ResolutionStrategy = "MANUAL"
)

// ParseResolutionStrategy accepts a strategy name or the short forms
// "local", "remote" and "merge".
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MERGE":
		return ResolveMerge, nil
	case "LOCAL", "PREFER_LOCAL":
		return ResolvePreferLocal, nil
	case "REMOTE", "PREFER_REMOTE":
		return ResolvePreferRemote, nil
	case "MANUAL":
		return ResolveManual, nil
	default:
		return "", fmt.Errorf("unknown resolution strategy %q (use local, remote or merge)", s)
	}
}

// ResolverConfig holds the time thresholds used to pick a strategy.
type ResolverConfig struct {
	// MergeWindow is the update-time distance under which edits are
	// considered simultaneous and merged. Defaults to 5s.
	MergeWindow time.Duration

	// PreferenceMargin is how much later one side must be updated for it
	// to win outright. Defaults to 60s.
	PreferenceMargin time.Duration
}

// DefaultResolverConfig returns the default thresholds.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{MergeWindow: 5 * time.Second, PreferenceMargin: 60 * time.Second}
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	d := DefaultResolverConfig()
	if c.MergeWindow <= 0 {
		c.MergeWindow = d.MergeWindow
	}
	if c.PreferenceMargin <= 0 {
		c.PreferenceMargin = d.PreferenceMargin
	}
	return c
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Strategy ResolutionStrategy
	Record   Record
}

// Resolver decides how two divergent copies of a record at the same
// version are reconciled. Its decisions depend only on its inputs and the
// clock reading taken at the start of each call.
type Resolver struct {
	cfg ResolverConfig
	now func() time.Time
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(cfg ResolverConfig, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{cfg: cfg.withDefaults(), now: now}
}

// HasConflict reports whether both copies are at the same version but carry
// different content.
func (r *Resolver) HasConflict(local, remote *Record) bool {
	return local.Version == remote.Version && !local.Payload.Equal(remote.Payload)
}

// SelectStrategy picks the resolution strategy for the pair.
func (r *Resolver) SelectStrategy(local, remote *Record) ResolutionStrategy {
	delta := local.UpdatedAt.Sub(remote.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}

	switch {
	case delta < r.cfg.MergeWindow:
		return ResolveMerge
	case local.UpdatedAt.After(remote.UpdatedAt.Add(r.cfg.PreferenceMargin)):
		return ResolvePreferLocal
	case remote.UpdatedAt.After(local.UpdatedAt.Add(r.cfg.PreferenceMargin)):
		return ResolvePreferRemote
	case local.Payload.Fields.Compatible(remote.Payload.Fields):
		return ResolveMerge
	default:
		return ResolveManual
	}
}

// Resolve selects a strategy and applies it.
func (r *Resolver) Resolve(local, remote *Record) Resolution {
	now := r.now().UTC()
	s := r.SelectStrategy(local, remote)
	return Resolution{Strategy: s, Record: apply(local, remote, s, now)}
}

// Force applies a strategy chosen by the caller, typically after manual
// review.
func (r *Resolver) Force(local, remote *Record, s ResolutionStrategy) Resolution {
	now := r.now().UTC()
	return Resolution{Strategy: s, Record: apply(local, remote, s, now)}
}

func apply(local, remote *Record, s ResolutionStrategy, now time.Time) Record {
	out := *local
	out.Payload = local.Payload.Clone()
	if out.RemoteID == "" {
		out.RemoteID = remote.RemoteID
	}
	if out.OwnerID == "" {
		out.OwnerID = remote.OwnerID
	}

	top := max(local.Version, remote.Version)

	switch s {
	case ResolvePreferLocal:
		out.Version = top + 1
		out.SyncStatus = StatusPending
		out.UpdatedAt = now

	case ResolvePreferRemote:
		out.Payload = remote.Payload.Clone()
		out.IsDeleted = remote.IsDeleted
		out.UpdatedAt = remote.UpdatedAt
		if local.Version > remote.Version {
			// The remote content must be pushed back over the newer
			// remote-side version counter.
			out.Version = top + 1
			out.SyncStatus = StatusPending
			break
		}
		out.Version = remote.Version
		out.SyncStatus = StatusSynced
		out.LastSyncAt = &now

	case ResolveMerge:
		remoteLater := remote.UpdatedAt.After(local.UpdatedAt)
		scalars := local
		if remoteLater {
			scalars = remote
		}
		out.Payload = Payload{
			Template: scalars.Payload.Template,
			Name:     scalars.Payload.Name,
			Content:  scalars.Payload.Content,
			Fields:   MergeFields(local.Payload.Fields, remote.Payload.Fields, !remoteLater),
		}
		out.IsDeleted = scalars.IsDeleted
		out.Version = top + 1
		out.SyncStatus = StatusPending
		out.UpdatedAt = now

	default:
		out.SyncStatus = StatusConflict
	}

	return out
}
