package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/claudeman/internal/config"
	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/pubsub"
	"github.com/zjrosen/claudeman/internal/ralph"
	"github.com/zjrosen/claudeman/internal/respawn"
	"github.com/zjrosen/claudeman/internal/screen"
	"github.com/zjrosen/claudeman/internal/stats"
	"github.com/zjrosen/claudeman/internal/store"
	"github.com/zjrosen/claudeman/internal/stream"
	"github.com/zjrosen/claudeman/internal/tokens"
)

// managed pairs a session record with its runtime: ring, tracker,
// controller, token counter, reader cancellation.
type managed struct {
	mu      sync.Mutex
	rec     Session
	ring    *stream.ByteRing
	tracker *ralph.Tracker
	ctrl    *respawn.Controller
	counter *tokens.Counter
	plan    *ralph.PlanWatcher
	cancel  context.CancelFunc
	last    []byte
	missing int
	// idle is set by an idle-ish hook event and cleared by the next output
	// delta, which emits session:working.
	idle bool
	// dormant marks a restored record whose runtime has not been started;
	// the reconciler decides whether it is still alive.
	dormant bool
}

func (m *managed) record() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// Supervisor owns every managed session. It is the single writer of the
// registry file; in-memory state stays authoritative when persistence
// fails.
type Supervisor struct {
	cfg        config.Config
	screens    screen.Manager
	dispatcher *stream.Dispatcher
	estimator  *tokens.Estimator
	broker     *pubsub.Broker[Event]

	mu       sync.Mutex
	sessions map[string]*managed

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor builds a Supervisor over a window manager and dispatcher.
func NewSupervisor(cfg config.Config, screens screen.Manager, dispatcher *stream.Dispatcher) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		screens:    screens,
		dispatcher: dispatcher,
		estimator:  tokens.NewEstimator(),
		broker:     pubsub.NewBroker[Event](),
		sessions:   make(map[string]*managed),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe returns supervisor events until ctx is cancelled.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan Event {
	events := s.broker.Subscribe(ctx)
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Supervisor) emit(typ EventType, sessionID string, data any) {
	s.broker.Publish(pubsub.UpdatedEvent, Event{Type: typ, SessionID: sessionID, Data: data})
}

// CreateOptions parameterizes CreateSession.
type CreateOptions struct {
	Name          string
	WorkingDir    string
	Mode          Mode
	Nice          int
	RalphEnabled  bool
	RespawnConfig *respawn.Config
}

// CreateSession spawns a new window and starts managing it.
func (s *Supervisor) CreateSession(opts CreateOptions) (Session, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAgent
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = s.lastUsedDir()
	}
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Session{}, fmt.Errorf("resolving working directory: %w", err)
		}
		opts.WorkingDir = wd
	}
	if err := screen.ValidatePath(opts.WorkingDir); err != nil {
		return Session{}, err
	}

	id := uuid.NewString()
	windowName := s.cfg.WindowPrefix + id[:8]
	cmd := s.composeCommand(opts)
	env := childEnv(id, windowName, s.cfg.APIBaseURL)

	pid, err := s.screens.Create(windowName, opts.WorkingDir, cmd, env)
	if err != nil {
		return Session{}, fmt.Errorf("creating session window: %w", err)
	}

	rec := Session{
		ID:            id,
		WindowName:    windowName,
		PID:           pid,
		CreatedAt:     nowUTC(),
		WorkingDir:    opts.WorkingDir,
		Mode:          opts.Mode,
		Attached:      true,
		Name:          opts.Name,
		RespawnConfig: opts.RespawnConfig,
		RalphEnabled:  opts.RalphEnabled,
	}

	s.mu.Lock()
	m := s.startManagedLocked(rec)
	s.persistLocked()
	s.mu.Unlock()

	if opts.RespawnConfig != nil {
		m.ctrl.Start(*opts.RespawnConfig)
	}

	s.rememberDir(opts.WorkingDir)
	s.emit(EventScreenCreated, id, rec)
	s.emit(EventCreated, id, rec)
	log.Info(log.CatSession, "session created", "id", id, "window", windowName, "pid", pid, "mode", string(opts.Mode))
	return rec, nil
}

// lastUsedDir reads the settings document; empty when absent.
func (s *Supervisor) lastUsedDir() string {
	path, err := s.cfg.SettingsPath()
	if err != nil {
		return ""
	}
	settings, err := store.LoadSettings(path)
	if err != nil {
		return ""
	}
	return settings.LastUsedCase
}

// rememberDir records the working directory for the next default create.
func (s *Supervisor) rememberDir(dir string) {
	path, err := s.cfg.SettingsPath()
	if err != nil {
		return
	}
	if err := store.SaveSettings(path, store.Settings{LastUsedCase: dir}); err != nil {
		log.Warn(log.CatStore, "persisting settings", "error", err)
	}
}

// composeCommand builds the shell line run inside the window.
func (s *Supervisor) composeCommand(opts CreateOptions) string {
	base := s.cfg.AgentCommand
	if opts.Mode == ModeShell {
		base = os.Getenv("SHELL")
		if base == "" {
			base = "/bin/sh"
		}
	}
	if opts.Nice != 0 {
		base = fmt.Sprintf("nice -n %d %s", clampNice(opts.Nice), base)
	}
	return fmt.Sprintf("cd %q && %s", opts.WorkingDir, base)
}

func clampNice(n int) int {
	if n < -20 {
		return -20
	}
	if n > 19 {
		return 19
	}
	return n
}

// childEnv is the exact variable set handed to every managed child.
func childEnv(id, windowName, apiURL string) []string {
	return []string{
		"CLAUDEMAN_SCREEN=1",
		"CLAUDEMAN_SESSION_ID=" + id,
		"CLAUDEMAN_SCREEN_NAME=" + windowName,
		"CLAUDEMAN_API_URL=" + apiURL,
	}
}

// startManagedLocked builds the runtime for a record and launches its
// reader and tracker pump. Caller holds s.mu.
func (s *Supervisor) startManagedLocked(rec Session) *managed {
	ctx, cancel := context.WithCancel(s.ctx)
	m := &managed{
		rec:     rec,
		ring:    stream.NewByteRing(s.cfg.Limits.HistoryRingBytes),
		counter: tokens.NewCounter(s.estimator),
		cancel:  cancel,
	}
	m.tracker = ralph.New(ralph.Config{
		SessionID:  rec.ID,
		Limits:     s.cfg.Limits,
		Timing:     s.cfg.Timing,
		AutoEnable: s.cfg.AutoEnableTracker,
	})
	if rec.RalphEnabled {
		m.tracker.Enable()
	}
	timing := respawn.DefaultTiming()
	timing.IdleTimeout = s.cfg.Timing.IdleTimeout
	timing.InterStepDelay = s.cfg.Timing.InterStepDelay
	m.ctrl = respawn.New(rec.ID, rec.WindowName, s.screens, timing, nil)

	if rec.WorkingDir != "" {
		plan, err := ralph.WatchPlan(rec.WorkingDir, m.tracker, s.cfg.Timing.FixPlanDebounce)
		if err != nil {
			log.Warn(log.CatSession, "plan watcher unavailable", "id", rec.ID, "error", err)
		} else {
			m.plan = plan
		}
	}

	s.sessions[rec.ID] = m
	s.dispatcher.Attach(rec.ID, m.ring)

	log.SafeGo("session-reader-"+rec.ID, func() { s.readLoop(ctx, m) })
	log.SafeGo("session-tracker-pump-"+rec.ID, func() { s.trackerPump(ctx, m) })
	log.SafeGo("session-respawn-pump-"+rec.ID, func() { s.respawnPump(ctx, m) })
	return m
}

// trackerPump fans tracker events into the respawn controller and the
// supervisor broker.
func (s *Supervisor) trackerPump(ctx context.Context, m *managed) {
	id := m.record().ID
	for ev := range m.tracker.Subscribe(ctx) {
		m.ctrl.OnTrackerEvent(ev)
		s.emit(EventType(ev.Type), id, ev.Payload)
		if ev.Type == ralph.EventCompletionDetected {
			s.emit(EventCompletion, id, ev.Payload)
		}
	}
}

// respawnPump forwards controller emissions onto the supervisor bus. An
// auto-clear cycle additionally publishes session:autoClear.
func (s *Supervisor) respawnPump(ctx context.Context, m *managed) {
	id := m.record().ID
	for ev := range m.ctrl.Subscribe(ctx) {
		s.emit(EventType(ev.Type), id, ev)
		if ev.Type == respawn.EventCycleStarted && ev.Step == "autoClear" {
			s.emit(EventAutoClear, id, nil)
		}
	}
}

// KillSession tears the window down and removes the session. A window-tool
// failure still removes the record; the in-memory state is authoritative.
func (s *Supervisor) KillSession(id string) error {
	s.mu.Lock()
	m, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", screen.ErrNotFound, id)
	}
	delete(s.sessions, id)
	s.persistLocked()
	s.mu.Unlock()

	rec := m.record()
	if err := s.screens.Kill(rec.WindowName); err != nil {
		log.Warn(log.CatSession, "window kill failed, removing session anyway", "id", id, "error", err)
		s.emit(EventError, id, err.Error())
	}
	s.teardown(m)
	s.emit(EventScreenKilled, id, rec)
	s.emit(EventDeleted, id, rec)
	log.Info(log.CatSession, "session killed", "id", id, "window", rec.WindowName)
	return nil
}

// teardown releases a session's runtime without touching the registry.
func (s *Supervisor) teardown(m *managed) {
	if m.cancel != nil {
		m.cancel()
	}
	if m.plan != nil {
		_ = m.plan.Stop()
	}
	if m.ctrl != nil {
		m.ctrl.Close()
	}
	if m.tracker != nil {
		m.tracker.Clear()
	}
	s.dispatcher.Detach(m.record().ID)
}

// SendKeys injects text into the session's window.
func (s *Supervisor) SendKeys(id, payload string) error {
	s.mu.Lock()
	m, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", screen.ErrNotFound, id)
	}
	if err := s.screens.SendKeys(m.record().WindowName, payload); err != nil {
		s.emit(EventError, id, err.Error())
		return err
	}
	return nil
}

// Get returns a session record by id.
func (s *Supervisor) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return m.record(), true
}

// Sessions lists all records ordered by creation time.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, m := range s.sessions {
		out = append(out, m.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Tracker exposes a session's tracker for API handlers.
func (s *Supervisor) Tracker(id string) (*ralph.Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok || m.tracker == nil {
		return nil, false
	}
	return m.tracker, true
}

// Controller exposes a session's respawn controller.
func (s *Supervisor) Controller(id string) (*respawn.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok || m.ctrl == nil {
		return nil, false
	}
	return m.ctrl, true
}

// Rename sets the session's display name.
func (s *Supervisor) Rename(id, name string) error {
	return s.update(id, func(m *managed) {
		m.mu.Lock()
		m.rec.Name = name
		m.mu.Unlock()
	})
}

// SetAttached records whether the session's window is alive. Reconcile
// keeps it current; this is the explicit override.
func (s *Supervisor) SetAttached(id string, attached bool) error {
	return s.update(id, func(m *managed) {
		m.mu.Lock()
		m.rec.Attached = attached
		m.mu.Unlock()
	})
}

// UpdateRespawnConfig replaces the session's respawn recipe. A nil config
// stops the controller.
func (s *Supervisor) UpdateRespawnConfig(id string, cfg *respawn.Config) error {
	return s.update(id, func(m *managed) {
		m.mu.Lock()
		m.rec.RespawnConfig = cfg
		m.mu.Unlock()
		if m.ctrl == nil {
			return
		}
		if cfg == nil {
			m.ctrl.Stop()
		} else {
			m.ctrl.Start(*cfg)
		}
	})
}

// UpdateTrackerEnabled explicitly enables or disables the loop tracker.
func (s *Supervisor) UpdateTrackerEnabled(id string, enabled bool) error {
	return s.update(id, func(m *managed) {
		m.mu.Lock()
		m.rec.RalphEnabled = enabled
		m.mu.Unlock()
		if m.tracker == nil {
			return
		}
		if enabled {
			m.tracker.Enable()
		} else {
			m.tracker.FullReset()
		}
	})
}

func (s *Supervisor) update(id string, fn func(*managed)) error {
	s.mu.Lock()
	m, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", screen.ErrNotFound, id)
	}
	s.mu.Unlock()

	fn(m)

	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
	return nil
}

// HandleHookEvent processes a child's cooperative callback.
func (s *Supervisor) HandleHookEvent(sessionID, event string) error {
	s.mu.Lock()
	m, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", screen.ErrNotFound, sessionID)
	}

	switch event {
	case "idle_prompt", "permission_prompt":
		m.mu.Lock()
		m.idle = true
		m.mu.Unlock()
		s.emit(EventIdle, sessionID, event)
	case "stop":
		s.emit(EventCompletion, sessionID, event)
	default:
		return fmt.Errorf("unknown hook event %q", event)
	}
	return nil
}

// PIDSource feeds the stats sampler.
func (s *Supervisor) PIDSource() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sessions))
	for id, m := range s.sessions {
		out[id] = m.record().PID
	}
	return out
}

// AttachStats republishes sampler output as screen:statsUpdated events and
// feeds token-driven auto-clear.
func (s *Supervisor) AttachStats(ctx context.Context, sampler *stats.Sampler) {
	log.SafeGo("session-stats-pump", func() {
		for batch := range sampler.Subscribe(ctx) {
			for id, st := range batch {
				s.emit(EventStatsUpdated, id, st)
			}
		}
	})
}

// Restore loads persisted records into memory without starting runtimes;
// Reconcile decides which are still alive.
func (s *Supervisor) Restore() error {
	path, err := s.cfg.ScreensPath()
	if err != nil {
		return err
	}
	var recs []Session
	if err := store.LoadJSON(path, &recs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if _, exists := s.sessions[rec.ID]; exists {
			continue
		}
		rec.Attached = false
		s.sessions[rec.ID] = &managed{rec: rec, dormant: true}
	}
	log.Info(log.CatSession, "registry restored", "sessions", len(recs))
	return nil
}

// persistLocked writes the registry file. Caller holds s.mu.
func (s *Supervisor) persistLocked() {
	path, err := s.cfg.ScreensPath()
	if err != nil {
		log.Error(log.CatStore, "resolving registry path", "error", err)
		return
	}
	recs := make([]Session, 0, len(s.sessions))
	for _, m := range s.sessions {
		recs = append(recs, m.record())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	if err := store.SaveJSON(path, recs); err != nil {
		log.Error(log.CatStore, "persisting registry, in-memory state remains authoritative", "error", err)
	}
}

// PersistTrackerState writes the optional loop/todo snapshot file.
func (s *Supervisor) PersistTrackerState() {
	path, err := s.cfg.TrackerStatePath()
	if err != nil {
		return
	}
	s.mu.Lock()
	snap := make(map[string]ralph.Snapshot, len(s.sessions))
	for id, m := range s.sessions {
		if m.tracker != nil {
			snap[id] = m.tracker.Snapshot()
		}
	}
	s.mu.Unlock()
	if err := store.SaveJSON(path, snap); err != nil {
		log.Warn(log.CatStore, "persisting tracker state", "error", err)
	}
}

// Close stops all runtimes without killing windows; sessions survive a
// supervisor restart by design.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ms := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		ms = append(ms, m)
	}
	s.persistLocked()
	s.mu.Unlock()

	for _, m := range ms {
		if m.cancel != nil {
			m.cancel()
		}
		if m.plan != nil {
			_ = m.plan.Stop()
		}
		if m.ctrl != nil {
			m.ctrl.Close()
		}
	}
	s.cancel()
	s.broker.Close()
}

func nowUTC() time.Time { return time.Now().UTC() }
