package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/directory"
	"Mansoor88-6/worktime-agent/internal/metrics"
	"Mansoor88-6/worktime-agent/internal/models"
	"Mansoor88-6/worktime-agent/internal/notify"
	"Mansoor88-6/worktime-agent/internal/queue"
	"Mansoor88-6/worktime-agent/internal/watchdog"

	"go.uber.org/zap"
)

var errLivenessExpired = errors.New("liveness timeout expired")

// Prober answers whether the remote store is reachable right now
type Prober interface {
	Reachable(ctx context.Context) bool
}

// Deliverer writes a group's events to its WorkLog table
type Deliverer interface {
	ResolveGroup(ctx context.Context, email, explicit string) string
	Deliver(ctx context.Context, group string, events []models.Event) error
}

// SessionRegistry is the active-session directory as seen by the sync engine
type SessionRegistry interface {
	Login(ctx context.Context, email, name, sessionID string, loginTime time.Time) error
	Finish(ctx context.Context, email, sessionID string, logoutTime time.Time) error
	StatusOf(ctx context.Context, email, sessionID string) (models.SessionStatus, error)
	AckCommand(ctx context.Context, email, sessionID string) error
}

// AppLogCleaner trims the diagnostic log
type AppLogCleaner interface {
	CleanupAppLogs(ctx context.Context, olderThan time.Duration) (int64, error)
}

type SyncOptions struct {
	BatchSize         int
	MaxRetries        int
	RetryLadder       []time.Duration
	OnlineInterval    time.Duration
	RecoveryInterval  time.Duration
	OfflineInterval   time.Duration
	RecoveryThreshold int
	DrainThreshold    int
	Retention         time.Duration
	SweepInterval     time.Duration
}

// SyncDeps groups the collaborators of the sync engine. Sessions, AppLogs,
// Hub, Metrics and Watchdog may be nil.
type SyncDeps struct {
	Log      *queue.EventLog
	Router   Deliverer
	Sessions SessionRegistry
	Probe    Prober
	Current  *SessionStore
	AppLogs  AppLogCleaner
	Hub      *notify.Hub
	Metrics  *metrics.Metrics
	Watchdog *watchdog.Watchdog
	// Flush runs once the loop has stopped, before the event log's database is closed
	Flush    func() error
}

type eventGroup struct {
	email  string
	group  string
	events []models.Event
}

// SyncService drains the local event log into the remote store and watches
// the current session for remote termination
type SyncService struct {
	deps   SyncDeps
	opts   SyncOptions
	logger *zap.Logger

	mu        sync.RWMutex
	mode      models.SyncMode
	stats     models.SyncStats
	notified  map[string]bool
	lastSweep time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSyncService creates a new sync service
func NewSyncService(deps SyncDeps, opts SyncOptions, logger *zap.Logger) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 35
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if len(opts.RetryLadder) == 0 {
		opts.RetryLadder = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour}
	}
	if opts.OnlineInterval <= 0 {
		opts.OnlineInterval = time.Minute
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = 5 * time.Minute
	}
	if opts.OfflineInterval <= 0 {
		opts.OfflineInterval = 10 * time.Second
	}
	if opts.RecoveryThreshold <= 0 {
		opts.RecoveryThreshold = 100
	}
	if opts.DrainThreshold <= 0 {
		opts.DrainThreshold = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		mode:     models.ModeOnline,
		stats:    models.SyncStats{RollingSuccessRate: 1.0, Mode: models.ModeOnline},
		notified: make(map[string]bool),
		now:      time.Now,
		sleep:    sleepContext,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the sync loop
func (s *SyncService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
		return errors.New("sync service already stopped")
	default:
	}
	if s.started {
		return nil
	}
	s.started = true

	s.logger.Info("Starting sync service",
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Duration("online_interval", s.opts.OnlineInterval),
	)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop signals the loop, waits for it and closes the local log. Safe to call more than once.
func (s *SyncService) Stop() {
	if s.signalStop() {
		s.logger.Info("Stopping sync service")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("Some goroutines did not stop within timeout")
	}

	s.closeOnce.Do(func() {
		if s.deps.Flush != nil {
			if err := s.deps.Flush(); err != nil {
				s.logger.Debug("Failed to flush logs", zap.Error(err))
			}
		}
		if s.deps.Log == nil {
			return
		}
		if err := s.deps.Log.Close(); err != nil {
			s.logger.Error("Failed to close event log", zap.Error(err))
		}
		s.logger.Info("Sync service stopped")
	})
}

// Done is closed when the loop has exited, either through Stop or a liveness timeout
func (s *SyncService) Done() <-chan struct{} {
	return s.doneChan
}

// signalStop reports whether this call performed the transition
func (s *SyncService) signalStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
		return false
	default:
		close(s.stopChan)
		s.cancel()
		if !s.started {
			close(s.doneChan)
		}
		return true
	}
}

// Stats returns the stats of the last cycle
func (s *SyncService) Stats() models.SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Mode returns the current polling mode
func (s *SyncService) Mode() models.SyncMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *SyncService) loop() {
	defer s.wg.Done()
	defer close(s.doneChan)

	for {
		if s.deps.Watchdog.Expired() {
			s.expire()
			return
		}

		start := s.now()
		interval := s.safeCycle()

		wait := interval - s.now().Sub(start)
		if wait < time.Second {
			wait = time.Second
		}
		if err := s.pause(s.ctx, wait); err != nil {
			if errors.Is(err, errLivenessExpired) {
				s.expire()
			}
			return
		}
	}
}

func (s *SyncService) expire() {
	s.logger.Warn("No liveness ping received, shutting down sync service",
		zap.Duration("timeout", s.deps.Watchdog.Timeout()),
		zap.Time("last_seen", s.deps.Watchdog.LastSeen()),
	)
	s.signalStop()
}

// pause sleeps for d but never past the liveness deadline. A ping during the
// sleep extends the deadline.
func (s *SyncService) pause(ctx context.Context, d time.Duration) error {
	for d > 0 {
		left, ok := s.deps.Watchdog.Remaining()
		if !ok {
			return s.sleep(ctx, d)
		}
		if left <= 0 {
			return errLivenessExpired
		}
		step := min(d, left)
		if err := s.sleep(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	if s.deps.Watchdog.Expired() {
		return errLivenessExpired
	}
	return nil
}

func (s *SyncService) safeCycle() (interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			interval = s.opts.OfflineInterval
		}
	}()
	return s.RunCycle(s.ctx)
}

// RunCycle performs one sync cycle and returns the interval until the next one
func (s *SyncService) RunCycle(ctx context.Context) time.Duration {
	start := s.now()
	s.maybeSweep(ctx)

	reachable := s.deps.Probe.Reachable(ctx)
	backlog, err := s.deps.Log.CountUnsynced(ctx)
	if err != nil {
		s.logger.Error("Failed to count unsynced events", zap.Error(err))
	}

	mode := s.switchMode(reachable, backlog)
	interval := s.intervalFor(mode)

	var synced, attempted int
	if reachable {
		synced, attempted = s.drain(ctx)
		s.checkSession(ctx)
	} else {
		s.logger.Debug("Remote store unreachable, skipping sync", zap.Int("backlog", backlog))
	}

	s.publishStats(ctx, start, reachable, synced, attempted)
	return interval
}

func (s *SyncService) switchMode(reachable bool, backlog int) models.SyncMode {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.mode
	next := models.ModeOnline
	switch {
	case !reachable:
		next = models.ModeOffline
	case backlog > s.opts.RecoveryThreshold:
		next = models.ModeOfflineRecovery
	case prev == models.ModeOfflineRecovery && backlog >= s.opts.DrainThreshold:
		next = models.ModeOfflineRecovery
	}

	if next != prev {
		s.logger.Info("Sync mode changed",
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Int("backlog", backlog),
		)
	}
	s.mode = next
	return next
}

func (s *SyncService) intervalFor(mode models.SyncMode) time.Duration {
	switch mode {
	case models.ModeOffline:
		return s.opts.OfflineInterval
	case models.ModeOfflineRecovery:
		return s.opts.RecoveryInterval
	default:
		return s.opts.OnlineInterval
	}
}

// drain delivers one batch and returns how many events were synced out of how many attempted
func (s *SyncService) drain(ctx context.Context) (int, int) {
	batch, err := s.deps.Log.UnsyncedBatch(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("Failed to read unsynced batch", zap.Error(err))
		return 0, 0
	}
	if len(batch) == 0 {
		return 0, 0
	}

	groups := s.groupBatch(ctx, batch)
	s.logger.Info("Syncing batch",
		zap.Int("events", len(batch)),
		zap.Int("groups", len(groups)),
	)

	synced := 0
	for _, g := range groups {
		if s.deps.Watchdog.Expired() {
			s.logger.Warn("Liveness timeout expired, leaving the rest of the batch queued")
			break
		}

		ids := make([]int64, len(g.events))
		for i, ev := range g.events {
			ids[i] = ev.ID
		}

		if err := s.syncGroup(ctx, g); err != nil {
			s.logger.Warn("Failed to sync events",
				zap.String("email", g.email),
				zap.String("group", g.group),
				zap.Int("count", len(ids)),
				zap.Error(err),
			)
			if ierr := s.deps.Log.IncrementAttempts(ctx, ids); ierr != nil {
				s.logger.Error("Failed to increment sync attempts", zap.Error(ierr))
			}
			if ctx.Err() != nil || errors.Is(err, errLivenessExpired) {
				break
			}
			continue
		}

		if err := s.deps.Log.MarkSynced(ctx, ids); err != nil {
			s.logger.Error("Failed to mark events synced", zap.Error(err))
			continue
		}
		synced += len(ids)
	}

	s.logger.Info("Batch sync finished",
		zap.Int("synced", synced),
		zap.Int("total", len(batch)),
	)
	return synced, len(batch)
}

// groupBatch splits a batch by (email, group) keeping the batch order inside and across groups
func (s *SyncService) groupBatch(ctx context.Context, batch []models.Event) []*eventGroup {
	resolved := make(map[string]string)
	index := make(map[string]*eventGroup)
	var groups []*eventGroup

	for _, ev := range batch {
		group := ev.Group
		if group == "" {
			cached, ok := resolved[ev.Email]
			if !ok {
				cached = s.deps.Router.ResolveGroup(ctx, ev.Email, "")
				resolved[ev.Email] = cached
			}
			group = cached
		}

		key := ev.Email + "\x00" + group
		g, ok := index[key]
		if !ok {
			g = &eventGroup{email: ev.Email, group: group}
			index[key] = g
			groups = append(groups, g)
		}
		g.events = append(g.events, ev)
	}
	return groups
}

func (s *SyncService) syncGroup(ctx context.Context, g *eventGroup) error {
	var err error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := s.opts.RetryLadder[min(attempt-1, len(s.opts.RetryLadder)-1)]
			s.logger.Info("Retrying group sync",
				zap.String("email", g.email),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			if serr := s.pause(ctx, wait); serr != nil {
				return fmt.Errorf("failed to sync %s: %w", g.email, serr)
			}
		}

		err = s.deliverGroup(ctx, g)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !client.IsRetryable(err) {
			return err
		}
		s.logger.Debug("Group sync attempt failed",
			zap.String("email", g.email),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// deliverGroup applies directory side effects, then appends the WorkLog rows
func (s *SyncService) deliverGroup(ctx context.Context, g *eventGroup) error {
	if s.deps.Sessions != nil {
		for _, ev := range g.events {
			switch {
			case ev.ActionType == models.ActionLogin:
				if err := s.deps.Sessions.Login(ctx, ev.Email, ev.Name, ev.SessionID, ev.Timestamp); err != nil {
					return fmt.Errorf("failed to register session: %w", err)
				}
			case ev.ActionType == models.ActionLogout && finishesSession(ev.Reason):
				err := s.deps.Sessions.Finish(ctx, ev.Email, ev.SessionID, ev.Timestamp)
				if errors.Is(err, directory.ErrSessionNotFound) {
					s.logger.Warn("Logout for session missing from directory",
						zap.String("email", ev.Email),
						zap.String("session_id", ev.SessionID),
					)
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to finish session: %w", err)
				}
			}
		}
	}
	return s.deps.Router.Deliver(ctx, g.group, g.events)
}

// finishesSession reports whether a LOGOUT with this reason closes the directory record.
// Admin logouts are the result of a kick and must keep the kicked status.
func finishesSession(reason string) bool {
	return reason == "" || reason == models.ReasonUser || reason == models.ReasonAuto
}

// checkSession polls the directory for the current session and emits a force logout once
func (s *SyncService) checkSession(ctx context.Context) {
	if s.deps.Sessions == nil || s.deps.Current == nil {
		return
	}
	cur, ok, err := s.deps.Current.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load current session", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	s.mu.RLock()
	done := s.notified[cur.SessionID]
	s.mu.RUnlock()
	if done {
		return
	}

	delivered, err := s.deps.Log.LoginSynced(ctx, cur.Email, cur.SessionID)
	if err != nil {
		s.logger.Error("Failed to check login delivery", zap.Error(err))
		return
	}
	if !delivered {
		return
	}

	status, err := s.deps.Sessions.StatusOf(ctx, cur.Email, cur.SessionID)
	if errors.Is(err, directory.ErrSessionNotFound) {
		s.logger.Debug("Current session not in directory yet", zap.String("session_id", cur.SessionID))
		return
	}
	if err != nil {
		s.logger.Warn("Failed to read session status", zap.Error(err))
		return
	}
	if !status.Terminated() {
		return
	}

	if err := s.deps.Sessions.AckCommand(ctx, cur.Email, cur.SessionID); err != nil {
		s.logger.Warn("Failed to acknowledge remote command",
			zap.String("session_id", cur.SessionID),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	if s.notified[cur.SessionID] {
		s.mu.Unlock()
		return
	}
	s.notified[cur.SessionID] = true
	s.mu.Unlock()

	s.logger.Warn("Session terminated remotely",
		zap.String("email", cur.Email),
		zap.String("session_id", cur.SessionID),
		zap.String("status", string(status)),
	)
	s.deps.Metrics.ObserveForceLogout()
	if s.deps.Hub != nil {
		s.deps.Hub.PublishForceLogout(models.ForceLogout{
			Email:      cur.Email,
			SessionID:  cur.SessionID,
			Status:     status,
			DetectedAt: s.now(),
		})
	}
}

func (s *SyncService) publishStats(ctx context.Context, start time.Time, online bool, synced, attempted int) {
	queueSize, err := s.deps.Log.CountUnsynced(ctx)
	if err != nil {
		s.logger.Error("Failed to count unsynced events", zap.Error(err))
	}

	s.mu.Lock()
	st := s.stats
	st.TotalSynced += int64(synced)
	if attempted > 0 {
		st.LastSyncTime = s.now()
		st.LastDuration = s.now().Sub(start)
		rate := float64(synced) / float64(attempted)
		st.RollingSuccessRate = 0.9*st.RollingSuccessRate + 0.1*rate
	}
	st.QueueSize = queueSize
	st.Mode = s.mode
	st.Online = online
	s.stats = st
	s.mu.Unlock()

	s.deps.Metrics.ObserveCycle(st, synced)
	if s.deps.Hub != nil {
		s.deps.Hub.PublishStats(st)
	}
}

func (s *SyncService) maybeSweep(ctx context.Context) {
	if s.opts.Retention <= 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= s.opts.SweepInterval
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	removed, err := s.deps.Log.Sweep(ctx, s.opts.Retention)
	if err != nil {
		s.logger.Error("Failed to sweep event log", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("Old events removed", zap.Int64("count", removed))
	}

	if s.deps.AppLogs != nil {
		if _, err := s.deps.AppLogs.CleanupAppLogs(ctx, s.opts.Retention); err != nil {
			s.logger.Error("Failed to clean up app logs", zap.Error(err))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
