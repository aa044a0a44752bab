// Package supervisor runs the deterministic event-driven loops that translate
// external process and file state into store updates and derived events.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/sammi"
	"github.com/watchkeeper/brainstem/internal/store"
)

const (
	profileTag = "watchkeeper"
	sessionID  = "supervisor-main"
)

// Options wires the supervisor to its collaborators and cadences.
type Options struct {
	Logger *slog.Logger
	Store  *store.Store
	Parser *actuator.ParserTool
	Sammi  *sammi.Client

	// Process detection.
	EDProcessNames    []string
	SammiProcessNames []string
	JinxProcessNames  []string

	// Files consumed by loops.
	TelemetryPath     string
	MusicDir          string
	HardwareProbePath string

	// Cadences. Zero values fall back to defaults.
	EDActiveInterval    time.Duration
	EDIdleInterval      time.Duration
	MusicActiveInterval time.Duration
	MusicIdleInterval   time.Duration
	HardwareInterval    time.Duration

	// Hardware alarm.
	MemoryThreshold  float64
	ThresholdHysteresis float64

	// Parser coupling.
	ParserAutorun bool

	// Overlay variable bridge.
	BridgeEnabled       bool
	BridgeOnlyWhenED    bool
	BridgeMaxPerCycle   int
	BridgeNewWriteVar   string
	BridgeIgnoreVars    []string

	// Watch condition override (forced when non-empty).
	ForceWatchCondition string
}

// Supervisor owns the cooperative loops. All state mutations go through the store.
type Supervisor struct {
	log   *slog.Logger
	store *store.Store
	opts  Options

	// Loop-local previous values for edge detection.
	prevEDRunning      *bool
	prevParserRunning  *bool
	prevParserError    string
	prevMusicPlaying   *bool
	prevTrack          *trackKey
	prevWatchCondition string
	prevAux            map[string]bool
	auxSnapshot        map[string]bool

	thresholdArmed bool
	heartbeat      int
	lastSent       map[string]any
}

type trackKey struct {
	title  string
	artist string
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EDActiveInterval <= 0 {
		opts.EDActiveInterval = 350 * time.Millisecond
	}
	if opts.EDIdleInterval <= 0 {
		opts.EDIdleInterval = 8 * time.Second
	}
	if opts.MusicActiveInterval <= 0 {
		opts.MusicActiveInterval = 2 * time.Second
	}
	if opts.MusicIdleInterval <= 0 {
		opts.MusicIdleInterval = 10 * time.Second
	}
	if opts.HardwareInterval <= 0 {
		opts.HardwareInterval = 10 * time.Second
	}
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = 0.90
	}
	if opts.ThresholdHysteresis <= 0 {
		opts.ThresholdHysteresis = 0.05
	}
	if opts.BridgeMaxPerCycle <= 0 {
		opts.BridgeMaxPerCycle = 12
	}
	if strings.TrimSpace(opts.BridgeNewWriteVar) == "" {
		opts.BridgeNewWriteVar = "ID116.new_write"
	}
	if len(opts.BridgeIgnoreVars) == 0 {
		opts.BridgeIgnoreVars = []string{"Heartbeat", "timestamp"}
	}
	return &Supervisor{
		log:            logger,
		store:          opts.Store,
		opts:           opts,
		thresholdArmed: true,
		lastSent:       make(map[string]any),
	}
}

// Run drives the loops until the context is canceled. Loop errors are logged
// and retried at the next cadence tick; they never abort the process.
func (s *Supervisor) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.edLoop(ctx) })
	g.Go(func() error { return s.musicLoop(ctx) })
	g.Go(func() error { return s.hardwareLoop(ctx) })
	g.Go(func() error { return s.telemetryWatchLoop(ctx) })

	return g.Wait()
}

// RunOnce performs a single pass of every loop body, for the `supervise` command
// and smoke checks.
func (s *Supervisor) RunOnce(ctx context.Context) {
	s.edTick(ctx)
	s.musicTick(ctx)
	s.hardwareTick(ctx)
}

func (s *Supervisor) edLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		s.edTick(ctx)

		interval := s.opts.EDIdleInterval
		if s.prevEDRunning != nil && *s.prevEDRunning {
			interval = s.opts.EDActiveInterval
		}
		timer.Reset(interval)
	}
}

func (s *Supervisor) edTick(ctx context.Context) {
	running := s.processEDPresence(ctx)
	s.processTelemetry(ctx, running)
	s.processParser(ctx, running)
	s.processAuxApps(ctx, running)
	if s.opts.BridgeEnabled {
		s.processBridge(ctx, running)
	}
	s.processWatchCondition(ctx, running)
}

func (s *Supervisor) musicLoop(ctx context.Context) error {
	timer := time.NewTimer(s.opts.MusicIdleInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		playing := s.musicTick(ctx)

		interval := s.opts.MusicIdleInterval
		if playing {
			interval = s.opts.MusicActiveInterval
		}
		timer.Reset(interval)
	}
}

func (s *Supervisor) hardwareLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HardwareInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.hardwareTick(ctx)
		}
	}
}

func (s *Supervisor) setStates(ctx context.Context, values map[string]any, source string, correlationID string, mode string, emitEvents bool) {
	items := make([]store.StateItem, 0, len(values))
	now := store.UTCNow()
	for key, value := range values {
		items = append(items, store.StateItem{
			StateKey:      key,
			StateValue:    value,
			Source:        source,
			Confidence:    floatPtr(1.0),
			ObservedAtUTC: now,
			EmitEvent:     emitEvents,
			SessionID:     sessionID,
			CorrelationID: correlationID,
			Mode:          mode,
		})
	}
	if _, err := s.store.BatchSetState(ctx, items); err != nil {
		s.log.Warn("state batch write failed", "component", "supervisor", "source", source, "error", err)
	}
}

func (s *Supervisor) appendEvent(ctx context.Context, ev store.Event) {
	ev.SessionID = sessionID
	if _, err := s.store.AppendEvent(ctx, ev); err != nil {
		s.log.Warn("event append failed", "component", "supervisor", "event_type", ev.EventType, "error", err)
	}
}

func floatPtr(v float64) *float64 { return &v }

func modeFor(edRunning bool) string {
	if edRunning {
		return "game"
	}
	return "standby"
}
