package fieldscript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Work names used by the scheduler.
const (
	WorkPeriodic  = "fieldscript.periodic"
	WorkImmediate = "fieldscript.immediate"
	WorkFlush     = "fieldscript.flush"

	workRecordPrefix = "fieldscript.record."
)

// RecordWorkName returns the work name of a single-record sync.
func RecordWorkName(localID string) string {
	return workRecordPrefix + localID
}

// SyncRunner is the part of the SyncManager the scheduler drives.
type SyncRunner interface {
	PerformFullSync(ctx context.Context, mode SyncMode) (SyncResult, error)
	SyncRecord(ctx context.Context, localID string) error
	PendingSyncCount(ctx context.Context) (int, error)
	Cancel()
}

// SchedulerConfig holds the trigger timings.
type SchedulerConfig struct {
	SyncInterval        time.Duration
	PendingThreshold    int
	PendingPollInterval time.Duration
	ThresholdCooldown   time.Duration
	SettleDelay         time.Duration
	ForegroundDelay     time.Duration
	RecordDeferDelay    time.Duration
}

// SchedulerConfigFrom extracts the trigger timings from a client config.
func SchedulerConfigFrom(cfg Config) SchedulerConfig {
	cfg = cfg.WithDefaults()
	return SchedulerConfig{
		SyncInterval:        cfg.SyncInterval,
		PendingThreshold:    cfg.PendingThreshold,
		PendingPollInterval: cfg.PendingPollInterval,
		ThresholdCooldown:   cfg.ThresholdCooldown,
		SettleDelay:         cfg.SettleDelay,
		ForegroundDelay:     cfg.ForegroundDelay,
		RecordDeferDelay:    cfg.RecordDeferDelay,
	}
}

// Scheduler decides when to sync. Every trigger goes through the work
// registry so repeated triggers of one kind collapse into a single run.
type Scheduler struct {
	sync     SyncRunner
	network  Connectivity
	identity IdentityWatcher
	work     *WorkRegistry
	cfg      SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	lastThreshold time.Time
}

// NewScheduler creates a scheduler. identity may be nil.
func NewScheduler(runner SyncRunner, network Connectivity, identity IdentityWatcher, work *WorkRegistry, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sync:     runner,
		network:  network,
		identity: identity,
		work:     work,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run starts every background trigger and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.periodicLoop(ctx) })
	g.Go(func() error { return s.networkLoop(ctx) })
	g.Go(func() error { return s.thresholdLoop(ctx) })
	if s.identity != nil {
		g.Go(func() error { return s.identityLoop(ctx) })
	}

	s.logger.Info("scheduler started", "interval", s.cfg.SyncInterval, "threshold", s.cfg.PendingThreshold)
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) periodicLoop(ctx context.Context) error {
	if s.cfg.SyncInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.work.Enqueue(WorkRequest{
				Name:            WorkPeriodic,
				Policy:          KeepExisting,
				RequiresNetwork: true,
				Run:             s.fullSync(ModeIncremental),
			})
		}
	}
}

func (s *Scheduler) networkLoop(ctx context.Context) error {
	changes := s.network.Changes(ctx)

	prev, ok := <-changes
	if !ok {
		return nil
	}
	for cur := range changes {
		s.onNetworkChange(prev, cur)
		prev = cur
	}
	return nil
}

// onNetworkChange fires a sync on the offline to online edge. The mode is
// chosen from the network state once the settle delay has passed.
func (s *Scheduler) onNetworkChange(prev, cur NetworkState) *WorkHandle {
	if prev.Connected || !cur.Connected {
		return nil
	}
	s.logger.Info("network restored", "type", cur.Type, "signal", cur.Signal.String())

	return s.work.Enqueue(WorkRequest{
		Name:   WorkImmediate,
		Policy: Replace,
		Delay:  s.cfg.SettleDelay,
		Run: func(ctx context.Context) error {
			strategy := s.network.CurrentState().RecommendedStrategy()
			mode, ok := strategy.Mode()
			if !ok {
				s.logger.Debug("network too poor to sync", "strategy", strategy)
				return nil
			}
			return s.fullSync(mode)(ctx)
		},
	})
}

func (s *Scheduler) thresholdLoop(ctx context.Context) error {
	if s.cfg.PendingPollInterval <= 0 || s.cfg.PendingThreshold <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.PendingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkThreshold(ctx)
		}
	}
}

// checkThreshold triggers an incremental sync when enough records are
// pending and the network is good. It reports whether it fired.
func (s *Scheduler) checkThreshold(ctx context.Context) bool {
	s.mu.Lock()
	cooling := !s.lastThreshold.IsZero() && s.now().Sub(s.lastThreshold) < s.cfg.ThresholdCooldown
	s.mu.Unlock()
	if cooling || !s.network.CurrentState().IsGoodForSync() {
		return false
	}

	n, err := s.sync.PendingSyncCount(ctx)
	if err != nil {
		s.logger.Warn("count pending records", "error", err)
		return false
	}
	if n < s.cfg.PendingThreshold {
		return false
	}

	s.mu.Lock()
	s.lastThreshold = s.now()
	s.mu.Unlock()

	s.logger.Info("pending threshold reached", "pending", n)
	s.work.Enqueue(WorkRequest{
		Name:   WorkImmediate,
		Policy: Replace,
		Run:    s.fullSync(ModeIncremental),
	})
	return true
}

func (s *Scheduler) identityLoop(ctx context.Context) error {
	changes := s.identity.Changes(ctx)

	prev, ok := <-changes
	if !ok {
		return nil
	}
	for cur := range changes {
		s.onIdentityChange(prev, cur)
		prev = cur
	}
	return nil
}

func (s *Scheduler) onIdentityChange(prev, cur Identity) {
	if prev.SignedIn() && prev.OwnerID != cur.OwnerID {
		s.logger.Info("signed out, cancelling sync", "owner", prev.OwnerID)
		s.sync.Cancel()
		s.work.Cancel(WorkImmediate)
	}
	if cur.SignedIn() && prev.OwnerID != cur.OwnerID {
		s.logger.Info("signed in, syncing", "owner", cur.OwnerID)
		s.work.Enqueue(WorkRequest{
			Name:            WorkImmediate,
			Policy:          Replace,
			RequiresNetwork: true,
			Run:             s.fullSync(ModeFull),
		})
	}
}

// OnForeground is called when the application resumes.
func (s *Scheduler) OnForeground() *WorkHandle {
	return s.work.Enqueue(WorkRequest{
		Name:   WorkImmediate,
		Policy: Replace,
		Delay:  s.cfg.ForegroundDelay,
		Run: func(ctx context.Context) error {
			if !s.network.CurrentState().Connected {
				return nil
			}
			n, err := s.sync.PendingSyncCount(ctx)
			if err != nil || n == 0 {
				return err
			}
			return s.fullSync(ModeIncremental)(ctx)
		},
	})
}

// OnBackground flushes pending uploads when the application is about to be
// suspended. It returns nil when there is nothing to do.
func (s *Scheduler) OnBackground(ctx context.Context) *WorkHandle {
	if !s.network.CurrentState().IsGoodForSync() {
		return nil
	}
	n, err := s.sync.PendingSyncCount(ctx)
	if err != nil || n == 0 {
		return nil
	}
	return s.work.Enqueue(WorkRequest{
		Name:   WorkFlush,
		Policy: Replace,
		Run:    s.fullSync(ModeEssential),
	})
}

// SyncNow runs a full sync for an explicit user request. It fails at once
// with a NoConnection error when offline.
func (s *Scheduler) SyncNow(ctx context.Context) (SyncResult, error) {
	if !s.network.CurrentState().Connected {
		return SyncResult{Mode: ModeFull}, &SyncError{Kind: KindNoConnection, Operation: "sync_now", Err: ErrNoConnection}
	}
	return s.sync.PerformFullSync(ctx, ModeFull)
}

// RequestRecordSync uploads one record now when the network is good, and
// otherwise defers the upload until the network is back.
func (s *Scheduler) RequestRecordSync(localID string) *WorkHandle {
	req := WorkRequest{
		Name:   RecordWorkName(localID),
		Policy: Replace,
		Run: func(ctx context.Context) error {
			return s.sync.SyncRecord(ctx, localID)
		},
	}
	if !s.network.CurrentState().IsGoodForSync() {
		req.Delay = s.cfg.RecordDeferDelay
		req.RequiresNetwork = true
		s.logger.Debug("record sync deferred", "local_id", localID, "delay", req.Delay)
	}
	return s.work.Enqueue(req)
}

func (s *Scheduler) fullSync(mode SyncMode) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.sync.PerformFullSync(ctx, mode)
		if errors.Is(err, ErrSyncInProgress) {
			return nil
		}
		return err
	}
}
