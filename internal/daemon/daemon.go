// Package daemon wires the store, policy engine, router, pipeline, supervisor,
// ingest gate, and HTTP surface into one runnable process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/config"
	"github.com/watchkeeper/brainstem/internal/httpapi"
	"github.com/watchkeeper/brainstem/internal/lockfile"
	"github.com/watchkeeper/brainstem/internal/pipeline"
	"github.com/watchkeeper/brainstem/internal/policy"
	"github.com/watchkeeper/brainstem/internal/sammi"
	"github.com/watchkeeper/brainstem/internal/store"
	"github.com/watchkeeper/brainstem/internal/supervisor"
	"github.com/watchkeeper/brainstem/internal/tools"
	"github.com/watchkeeper/brainstem/internal/twitch"
)

type Daemon struct {
	log *slog.Logger
	cfg *config.Config

	version string

	lock       *lockfile.Lock
	store      *store.Store
	engine     *policy.Engine
	router     *tools.Router
	pipeline   *pipeline.Pipeline
	supervisor *supervisor.Supervisor
	listener   *twitch.Listener
	httpServer *httpapi.Server
	parserTool *actuator.ParserTool
}

type Options struct {
	Config  *config.Config
	Version string
}

func NewLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// jinxStateWriter adapts the store for the lighting state-writer tools.
type jinxStateWriter struct {
	store *store.Store
}

func (j *jinxStateWriter) SetJinxState(ctx context.Context, key string, value any, source string) error {
	_, err := j.store.SetState(ctx, store.StateItem{
		StateKey:   key,
		StateValue: value,
		Source:     source,
	})
	return err
}

func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("missing Config")
	}
	log := NewLogger(cfg.LogFormat, cfg.LogLevel)

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine, err := policy.NewEngine(cfg.StandingOrdersPath, log)
	if err != nil {
		_ = st.Close()
		lock.Release()
		return nil, fmt.Errorf("load standing orders: %w", err)
	}

	sammiClient := sammi.New(sammi.Options{
		Logger:   log,
		Host:     cfg.Sammi.Host,
		Port:     cfg.Sammi.Port,
		Password: cfg.Sammi.Password,
		Timeout:  config.Seconds(cfg.Sammi.TimeoutSec),
		Backoff:  config.Seconds(cfg.Sammi.BackoffSec),
	})

	parserTool := actuator.NewParserTool(actuator.ParserToolOptions{
		Logger:      log,
		Enabled:     cfg.Parser.Enabled,
		Command:     cfg.Parser.Command,
		WorkDir:     cfg.Parser.WorkDir,
		StopTimeout: config.Seconds(cfg.Parser.StopTimeoutSec),
	})

	router := tools.NewRouter(tools.Options{
		Logger:           log,
		Engine:           engine,
		ActuatorsEnabled: cfg.Features.ActuatorsEnabled,
		KeypressEnabled:  cfg.Features.KeypressEnabled,
	})
	registerTools(router, registerToolsArgs{
		log:        log,
		store:      st,
		cfg:        cfg,
		sammi:      sammiClient,
		parserTool: parserTool,
	})

	pipe, err := pipeline.New(pipeline.Options{
		Logger:                log,
		Store:                 st,
		Engine:                engine,
		Router:                router,
		DefaultWatchCondition: cfg.DefaultWatchCondition,
	})
	if err != nil {
		_ = st.Close()
		lock.Release()
		return nil, err
	}

	sup := supervisor.New(supervisor.Options{
		Logger:              log,
		Store:               st,
		Parser:              parserTool,
		Sammi:               sammiClient,
		EDProcessNames:      cfg.Supervisor.EDProcessNames,
		SammiProcessNames:   cfg.Supervisor.SammiProcessNames,
		JinxProcessNames:    cfg.Supervisor.JinxProcessNames,
		TelemetryPath:       cfg.TelemetryPath,
		MusicDir:            cfg.MusicDir,
		HardwareProbePath:   cfg.HardwareProbePath,
		EDActiveInterval:    config.Seconds(cfg.Supervisor.EDActiveSec),
		EDIdleInterval:      config.Seconds(cfg.Supervisor.EDIdleSec),
		MusicActiveInterval: config.Seconds(cfg.Supervisor.MusicActiveSec),
		MusicIdleInterval:   config.Seconds(cfg.Supervisor.MusicIdleSec),
		HardwareInterval:    config.Seconds(cfg.Supervisor.HardwareSec),
		MemoryThreshold:     cfg.Supervisor.MemoryThreshold,
		ParserAutorun:       cfg.Supervisor.ParserAutorun,
		BridgeEnabled:       cfg.Features.BridgeEnabled,
		BridgeOnlyWhenED:    cfg.Sammi.OnlyWhenED == nil || *cfg.Sammi.OnlyWhenED,
		BridgeMaxPerCycle:   cfg.Sammi.MaxUpdatesPerCycle,
		BridgeNewWriteVar:   cfg.Sammi.NewWriteVar,
		BridgeIgnoreVars:    cfg.Sammi.NewWriteIgnore,
		ForceWatchCondition: cfg.ForceWatchCondition,
	})

	var listener *twitch.Listener
	if cfg.Features.TwitchUDPEnabled {
		index, err := twitch.LoadVariableIndex(cfg.VariableIndexPath)
		if err != nil {
			_ = st.Close()
			lock.Release()
			return nil, fmt.Errorf("load variable index: %w", err)
		}
		ingest := twitch.NewIngest(twitch.IngestOptions{
			Logger:       log,
			Store:        st,
			Bridge:       sammiClient,
			Index:        index,
			ChatDebounce: time.Duration(cfg.Twitch.ChatDebounceMs) * time.Millisecond,
		})
		listener, err = twitch.NewListener(twitch.ListenerOptions{
			Logger: log,
			Ingest: ingest,
			Addr:   cfg.UDPAddr,
			Gate: func() bool {
				return st.GetStateBool(context.Background(), "app.sammi.running")
			},
		})
		if err != nil {
			_ = st.Close()
			lock.Release()
			return nil, err
		}
	}

	var launcher *actuator.AppLauncher
	if len(cfg.Apps) > 0 {
		launcher = &actuator.AppLauncher{Apps: cfg.Apps}
	}

	server, err := httpapi.New(httpapi.Options{
		Logger:    log,
		Store:     st,
		Pipeline:  pipe,
		Launcher:  launcher,
		DevIngest: cfg.Features.DevIngest,
		UIDir:     cfg.UIDir,
		Version:   opts.Version,
	})
	if err != nil {
		_ = st.Close()
		lock.Release()
		return nil, err
	}

	return &Daemon{
		log:        log,
		cfg:        cfg,
		version:    opts.Version,
		lock:       lock,
		store:      st,
		engine:     engine,
		router:     router,
		pipeline:   pipe,
		supervisor: sup,
		listener:   listener,
		httpServer: server,
		parserTool: parserTool,
	}, nil
}

type registerToolsArgs struct {
	log        *slog.Logger
	store      *store.Store
	cfg        *config.Config
	sammi      *sammi.Client
	parserTool *actuator.ParserTool
}

func registerTools(router *tools.Router, args registerToolsArgs) {
	cfg := args.cfg

	lights := actuator.NewLightsWebhook(actuator.LightsWebhookOptions{
		Logger:      args.log,
		URL:         cfg.Lights.WebhookURL,
		URLTemplate: cfg.Lights.WebhookURLTemplate,
		Timeout:     config.Seconds(cfg.Lights.TimeoutSec),
	})
	router.Register("sammi.set_lights", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: lights, Timeout: config.Seconds(cfg.Lights.TimeoutSec),
	})

	for _, op := range []string{"music_next", "music_pause", "music_resume"} {
		router.Register("sammi."+op, tools.Binding{
			Safety: tools.SafetyLowRisk, Adapter: actuator.NewMediaKeys(op), Timeout: time.Second,
		})
	}

	router.Register("input.keypress", tools.Binding{
		Safety: tools.SafetyHighRisk,
		Adapter: &actuator.Keypress{
			Allowed: cfg.Keypress.AllowedProcesses,
			Foreground: func() string {
				return args.store.GetStateString(context.Background(), "app.foreground")
			},
		},
		Timeout: time.Second,
	})

	router.Register("edparser.start", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: &actuator.ParserAdapter{Tool: args.parserTool, Op: "start"}, Timeout: 10 * time.Second,
	})
	router.Register("edparser.stop", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: &actuator.ParserAdapter{Tool: args.parserTool, Op: "stop"}, Timeout: 10 * time.Second,
	})
	router.Register("edparser.status", tools.Binding{
		Safety: tools.SafetyReadOnly, Adapter: &actuator.ParserAdapter{Tool: args.parserTool, Op: "status"}, Timeout: 2 * time.Second,
	})

	envMap := &actuator.JinxEnvMap{Path: cfg.LightsEnvMapPath}
	writer := &jinxStateWriter{store: args.store}
	router.Register("jinx.set_effect", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: &actuator.JinxAdapter{Store: writer, EnvMap: envMap, Op: "set_effect"}, Timeout: 2 * time.Second,
	})
	router.Register("jinx.set_scene", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: &actuator.JinxAdapter{Store: writer, EnvMap: envMap, Op: "set_scene"}, Timeout: 2 * time.Second,
	})
	router.Register("jinx.set_chase", tools.Binding{
		Safety: tools.SafetyLowRisk, Adapter: &actuator.JinxAdapter{Store: writer, EnvMap: envMap, Op: "set_chase"}, Timeout: 2 * time.Second,
	})

	router.Register("twitch.send_chat", tools.Binding{
		Safety: tools.SafetyLowRisk,
		Adapter: &actuator.TwitchChat{
			Client:       args.sammi,
			MessageVar:   cfg.Sammi.ChatMessageVar,
			SendButtonID: cfg.Sammi.ChatSendButtonID,
		},
		Timeout: config.Seconds(cfg.Sammi.TimeoutSec) + time.Second,
	})
}

func (d *Daemon) seedCapabilities(ctx context.Context) {
	now := []store.Capability{
		{Name: "store", Status: "available"},
		{Name: "policy", Status: "available"},
		{Name: "edparser", Status: capabilityFor(d.cfg.Parser.Enabled)},
		{Name: "twitch_ingest", Status: capabilityFor(d.cfg.Features.TwitchUDPEnabled)},
		{Name: "sammi_bridge", Status: capabilityFor(d.cfg.Features.BridgeEnabled)},
		{Name: "actuators", Status: capabilityFor(d.cfg.Features.ActuatorsEnabled)},
	}
	for _, c := range now {
		if err := d.store.UpsertCapability(ctx, c); err != nil {
			d.log.Warn("capability seed failed", "component", "daemon", "name", c.Name, "error", err)
		}
	}
}

func capabilityFor(enabled bool) string {
	if enabled {
		return "available"
	}
	return "unavailable"
}

// Run serves until the context is canceled, then stops managed children and
// releases the lock.
func (d *Daemon) Run(ctx context.Context) error {
	if d == nil {
		return nil
	}
	defer d.lock.Release()
	defer func() { _ = d.store.Close() }()
	defer d.parserTool.Shutdown()

	d.seedCapabilities(ctx)
	d.log.Info("brainstem starting",
		"version", d.version,
		"http_addr", d.cfg.HTTPAddr,
		"udp_addr", d.cfg.UDPAddr,
		"db_path", d.cfg.DBPath,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.httpServer.Start(ctx, d.cfg.HTTPAddr) })
	g.Go(func() error { return ignoreCanceled(d.supervisor.Run(ctx)) })
	if d.listener != nil {
		g.Go(func() error { return ignoreCanceled(d.listener.Run(ctx)) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunSuperviseOnce performs one supervisor pass and exits (diagnostic command).
func (d *Daemon) RunSuperviseOnce(ctx context.Context) error {
	if d == nil {
		return nil
	}
	defer d.lock.Release()
	defer func() { _ = d.store.Close() }()
	d.supervisor.RunOnce(ctx)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
