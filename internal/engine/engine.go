// Package engine runs the single cooperative event loop that owns presence, visibility, safety,
// consensus and fan-out state. Every mutation happens on the loop goroutine; transports, the store
// runner and the bridge talk to it through channels.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"waypoint/internal/audit"
	"waypoint/internal/bridge"
	"waypoint/internal/broadcast"
	"waypoint/internal/config"
	"waypoint/internal/consensus"
	"waypoint/internal/event"
	"waypoint/internal/ingest"
	"waypoint/internal/metrics"
	policy "waypoint/internal/policy/engine"
	"waypoint/internal/presence"
	"waypoint/internal/security"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
	"waypoint/internal/store"
	"waypoint/internal/telemetry"
	"waypoint/internal/visibility"
)

// Transport delivers frames to connections and can drop a connection.
type Transport interface {
	broadcast.Transport
	Close(connID string)
}

// Settings are the engine tunables.
type Settings struct {
	Cooldown      time.Duration
	FlushEvery    time.Duration
	PersistEvery  time.Duration
	RateEvents    int
	RateWindow    time.Duration
	ReplayMax     int
	SweepEvery    time.Duration
	SafetyEvery   time.Duration
	RoomRetention time.Duration
	CacheSize     int
	// WriteQueue is the depth of the store write queue.
	WriteQueue int
}

// SettingsFromConfig maps loaded configuration to Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Cooldown:      cfg.Cooldown(),
		FlushEvery:    cfg.FlushInterval(),
		PersistEvery:  cfg.PersistEvery(),
		RateEvents:    cfg.RateLimitEvents,
		RateWindow:    cfg.RateWindow(),
		ReplayMax:     cfg.ReplayMaxBatch,
		SweepEvery:    cfg.SweepEvery(),
		SafetyEvery:   cfg.SafetyEvery(),
		RoomRetention: cfg.RoomRetentionWindow(),
		CacheSize:     cfg.VisibilityCacheSize,
	}
}

// DefaultSettings returns the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Cooldown:      time.Second,
		FlushEvery:    250 * time.Millisecond,
		PersistEvery:  15 * time.Second,
		RateEvents:    30,
		RateWindow:    10 * time.Second,
		ReplayMax:     ingest.DefaultReplayMax,
		SweepEvery:    time.Minute,
		SafetyEvery:   15 * time.Second,
		RoomRetention: 24 * time.Hour,
		CacheSize:     visibility.DefaultCacheSize,
	}
}

// Deps are the engine collaborators. Store and Transport are required.
type Deps struct {
	Store     store.Store
	Transport Transport
	Bridge    *bridge.Bridge
	Policy    policy.Evaluator
	Audit     audit.AuditLogger
	Telemetry telemetry.EventEmitter
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Log       *zap.Logger
}

// writer is the store write queue.
type writer interface {
	Submit(w store.Write) error
	Close()
}

type connectMsg struct {
	connID string
	id     security.Identity
	guest  bool
}

type disconnectMsg struct{ connID string }

type inboundMsg struct {
	connID string
	ev     event.Inbound
}

// Engine is the event loop and the state it owns.
type Engine struct {
	cfg   Settings
	clock clock.Clock
	log   *zap.Logger

	st        *state.State
	presence  *presence.Registry
	graph     *visibility.Graph
	rosters   *visibility.Roster
	router    *broadcast.Router
	authority *consensus.Authority
	links     *sharelink.Store

	cooldown  *ingest.Cooldown
	limiter   *ingest.Limiter
	validator *ingest.Validator
	persistQ  *ingest.Debouncer[presence.Position]

	store     store.Store
	writes    writer
	transport Transport
	bridge    *bridge.Bridge
	audit     audit.AuditLogger
	telemetry telemetry.EventEmitter
	metrics   *metrics.Metrics

	backlog   []store.Result
	guests    map[string]struct{}
	lastKnown map[string]presence.Position
	retention map[string]presence.RetentionMode
	handlers  map[event.Kind]handler

	inbox   chan any
	results chan store.Result
	remote  chan bridge.Message
	done    chan struct{}
	ctx     context.Context
	ready   atomic.Bool
}

// New builds an engine with empty state. Call Load before Run to restore persisted state.
func New(cfg Settings, d Deps) (*Engine, error) {
	if d.Store == nil || d.Transport == nil {
		return nil, fmt.Errorf("engine: store and transport are required")
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	st := state.New()
	g, err := visibility.New(st, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: visibility cache: %w", err)
	}
	reg := presence.NewRegistry()
	opts := []broadcast.Option{
		broadcast.WithMetrics(d.Metrics),
		broadcast.WithClock(d.Clock),
		broadcast.WithExpiryNotice(func(k broadcast.ChannelKey) event.Outbound {
			return expiryNotice(k.Kind, k.ID, "expired")
		}),
	}
	if d.Bridge != nil {
		opts = append(opts, broadcast.WithRemote(d.Bridge))
	}
	e := &Engine{
		cfg:       cfg,
		clock:     d.Clock,
		log:       d.Log,
		st:        st,
		presence:  reg,
		graph:     g,
		rosters:   visibility.NewRoster(),
		router:    broadcast.New(st, reg, g, d.Transport, d.Log, opts...),
		authority: consensus.New(st, d.Policy),
		links:     sharelink.NewStore(d.Clock),
		cooldown:  ingest.NewCooldown(cfg.Cooldown),
		limiter:   ingest.NewLimiter(cfg.RateEvents, cfg.RateWindow),
		validator: ingest.NewValidator(),
		persistQ:  ingest.NewDebouncer[presence.Position](cfg.PersistEvery),
		store:     d.Store,
		transport: d.Transport,
		bridge:    d.Bridge,
		audit:     d.Audit,
		telemetry: d.Telemetry,
		metrics:   d.Metrics,
		guests:    make(map[string]struct{}),
		lastKnown: make(map[string]presence.Position),
		retention: make(map[string]presence.RetentionMode),
		handlers:  handlers(),
		inbox:     make(chan any, 1024),
		results:   make(chan store.Result, 256),
		remote:    make(chan bridge.Message, 1024),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
	e.writes = store.NewRunner(e.results, cfg.WriteQueue, store.DefaultWriteTimeout, d.Log)
	return e, nil
}

// Load restores persisted state. It must run before Run.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.store.LoadAll(ctx, e.now())
	if err != nil {
		return fmt.Errorf("engine: load state: %w", err)
	}
	store.Apply(snap, e.st, e.links)
	for _, u := range snap.Users {
		if u.Retention != "" {
			e.retention[u.ID] = u.Retention
		}
	}
	for id, p := range snap.Positions {
		e.lastKnown[id] = p
	}
	for _, l := range snap.Links {
		e.router.OpenChannel(channelKey(l), l.Owner, l.ExpiresAt)
	}
	e.ready.Store(true)
	e.log.Info("engine: state loaded",
		zap.Int("users", len(snap.Users)), zap.Int("rooms", len(snap.Rooms)), zap.Int("links", len(snap.Links)))
	return nil
}

// Ready reports whether persisted state has been loaded.
func (e *Engine) Ready() bool { return e.ready.Load() }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// Run executes the loop until ctx is done. Pending position writes are flushed and the store queue
// drained before it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	tick := func(d, def time.Duration) *clock.Ticker {
		if d <= 0 {
			d = def
		}
		return e.clock.Ticker(d)
	}
	flush := tick(e.cfg.FlushEvery, 250*time.Millisecond)
	persist := tick(e.cfg.PersistEvery, 15*time.Second)
	sweep := tick(e.cfg.SweepEvery, time.Minute)
	safetyT := tick(e.cfg.SafetyEvery, 15*time.Second)
	defer func() {
		flush.Stop()
		persist.Stop()
		sweep.Stop()
		safetyT.Stop()
	}()

	e.log.Info("engine: loop started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case m := <-e.inbox:
			e.handle(m)
		case r := <-e.results:
			e.reconcile(r)
		case m := <-e.remote:
			e.applyRemote(m)
		case <-flush.C:
			e.router.Flush()
		case <-persist.C:
			e.persistPositions(false)
		case <-sweep.C:
			e.sweep()
		case <-safetyT.C:
			e.tickSafety()
		}
		e.drainBacklog()
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	e.router.Flush()
	e.persistPositions(true)
	e.drainBacklog()
	e.writes.Close()
	// Failures reported while draining have no loop left to revert on.
	for {
		select {
		case r := <-e.results:
			e.log.Warn("engine: write failed during shutdown", zap.String("op", r.Op), zap.Error(r.Err))
		default:
			e.log.Info("engine: loop stopped")
			return
		}
	}
}

func (e *Engine) handle(m any) {
	defer e.drainBacklog()
	switch m := m.(type) {
	case connectMsg:
		if m.guest {
			e.connectGuest(m.connID)
		} else {
			e.connect(m.connID, m.id)
		}
	case disconnectMsg:
		e.disconnect(m.connID)
	case inboundMsg:
		e.dispatch(m.connID, m.ev)
	}
}

func (e *Engine) post(ctx context.Context, m any) error {
	select {
	case e.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// Connect registers an authenticated connection. The transport must already accept frames for connID.
func (e *Engine) Connect(ctx context.Context, connID string, id security.Identity) error {
	return e.post(ctx, connectMsg{connID: connID, id: id})
}

// ConnectGuest registers an unauthenticated connection limited to share channels.
func (e *Engine) ConnectGuest(ctx context.Context, connID string) error {
	return e.post(ctx, connectMsg{connID: connID, guest: true})
}

// Disconnect reports that connID is gone.
func (e *Engine) Disconnect(connID string) {
	_ = e.post(context.Background(), disconnectMsg{connID: connID})
}

// Receive decodes one inbound frame and queues it. Undecodable frames are dropped and counted.
func (e *Engine) Receive(ctx context.Context, connID string, frame []byte) error {
	kind, data, err := event.ParseEnvelope(frame)
	if err != nil {
		e.metrics.Event("unknown", outcome(ErrValidation))
		e.log.Debug("engine: bad frame", zap.String("conn_id", connID), zap.Error(err))
		return nil
	}
	ev, err := event.Decode(kind, json.RawMessage(data))
	if err != nil {
		e.metrics.Event(string(kind), outcome(ErrValidation))
		e.log.Debug("engine: undecodable event", zap.String("conn_id", connID), zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}
	return e.post(ctx, inboundMsg{connID: connID, ev: ev})
}

// RemoteSink returns the function the bridge consumer hands messages to.
func (e *Engine) RemoteSink() func(bridge.Message) {
	return func(m bridge.Message) {
		select {
		case e.remote <- m:
		case <-e.done:
		}
	}
}
