package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ParserTool manages the external telemetry parser process. Only the pipeline
// that started the child may stop it; status and stop see only that managed
// child, so a parser started outside this process is neither reported nor killed.
type ParserTool struct {
	log *slog.Logger

	enabled     bool
	command     []string
	workDir     string
	stopTimeout time.Duration

	mu            sync.Mutex
	cmd           *exec.Cmd
	waitErr       chan error
	lastError     string
	lastExitCode  *int
	lastStarted   string
	lastStopped   string
}

type ParserToolOptions struct {
	Logger      *slog.Logger
	Enabled     bool
	Command     []string
	WorkDir     string
	StopTimeout time.Duration
}

func NewParserTool(opts ParserToolOptions) *ParserTool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 4 * time.Second
	}
	return &ParserTool{
		log:         logger,
		enabled:     opts.Enabled,
		command:     opts.Command,
		workDir:     strings.TrimSpace(opts.WorkDir),
		stopTimeout: stopTimeout,
	}
}

// ParserStatus is the observable lifecycle state of the managed child.
type ParserStatus struct {
	Enabled       bool   `json:"enabled"`
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
	ManagedBy     string `json:"managed_by"`
	Command       string `json:"command"`
	LastError     string `json:"last_error,omitempty"`
	LastExitCode  *int   `json:"last_exit_code,omitempty"`
	LastStartedUTC string `json:"last_started_utc,omitempty"`
	LastStoppedUTC string `json:"last_stopped_utc,omitempty"`
}

func (p *ParserTool) refreshLocked() {
	if p.cmd == nil || p.waitErr == nil {
		return
	}
	select {
	case err := <-p.waitErr:
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.lastExitCode = &code
		p.lastStopped = nowUTC()
		p.cmd = nil
		p.waitErr = nil
	default:
	}
}

func (p *ParserTool) Status() ParserStatus {
	if p == nil {
		return ParserStatus{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *ParserTool) statusLocked() ParserStatus {
	p.refreshLocked()
	st := ParserStatus{
		Enabled:        p.enabled,
		ManagedBy:      "none",
		Command:        strings.Join(p.command, " "),
		LastError:      p.lastError,
		LastExitCode:   p.lastExitCode,
		LastStartedUTC: p.lastStarted,
		LastStoppedUTC: p.lastStopped,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.Running = true
		st.PID = p.cmd.Process.Pid
		st.ManagedBy = "brainstem-local"
	}
	return st
}

// Start launches the parser command unless it is already running.
func (p *ParserTool) Start(reason string, forceRestart bool) (ParserStatus, error) {
	if p == nil {
		return ParserStatus{}, errors.New("parser tool not configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()

	if !p.enabled {
		p.lastError = "edparser disabled by configuration"
		return p.statusLocked(), errors.New(p.lastError)
	}
	if p.cmd != nil {
		if !forceRestart {
			return p.statusLocked(), nil
		}
		p.stopLocked(true)
	}
	if len(p.command) == 0 {
		p.lastError = "edparser command not configured"
		return p.statusLocked(), errors.New(p.lastError)
	}

	cmd := exec.Command(p.command[0], p.command[1:]...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		p.lastError = fmt.Sprintf("failed to start edparser: %v", err)
		return p.statusLocked(), errors.New(p.lastError)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	p.cmd = cmd
	p.waitErr = waitErr
	p.lastError = ""
	p.lastStarted = nowUTC()
	p.log.Info("edparser started", "component", "edparser", "pid", cmd.Process.Pid, "reason", reason)
	return p.statusLocked(), nil
}

// Stop attempts graceful termination, then force-kills after the stop timeout.
func (p *ParserTool) Stop(reason string, force bool) (ParserStatus, error) {
	if p == nil {
		return ParserStatus{}, errors.New("parser tool not configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()

	if p.cmd == nil {
		p.lastStopped = nowUTC()
		return p.statusLocked(), nil
	}
	stopped := p.stopLocked(force)
	p.lastStopped = nowUTC()
	if !stopped {
		p.lastError = "edparser stop requested but process is still running"
		return p.statusLocked(), errors.New(p.lastError)
	}
	p.lastError = ""
	p.log.Info("edparser stopped", "component", "edparser", "reason", reason)
	return p.statusLocked(), nil
}

func (p *ParserTool) stopLocked(force bool) bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return true
	}
	proc := p.cmd.Process
	waitErr := p.waitErr

	_ = proc.Signal(os.Interrupt)
	select {
	case <-waitErr:
	case <-time.After(p.stopTimeout):
		_ = proc.Kill()
		select {
		case <-waitErr:
		case <-time.After(time.Second):
			return false
		}
	}
	p.lastExitCode = nil
	p.cmd = nil
	p.waitErr = nil
	return true
}

// Shutdown stops any managed child at process exit.
func (p *ParserTool) Shutdown() {
	if p == nil {
		return
	}
	_, _ = p.Stop("shutdown", true)
}

// ParserAdapter exposes one parser lifecycle op (start|stop|status) as an Adapter.
type ParserAdapter struct {
	Tool *ParserTool
	Op   string
}

func (a *ParserAdapter) Invoke(_ context.Context, req Request) Outcome {
	started := nowUTC()
	if a == nil || a.Tool == nil {
		return failure(started, CodeAdapterError, "parser tool not configured")
	}
	reason := strings.TrimSpace(paramString(req.Parameters, "reason"))
	if reason == "" {
		reason = "execute_tool"
	}

	var st ParserStatus
	var err error
	switch a.Op {
	case "start":
		st, err = a.Tool.Start(reason, paramBool(req.Parameters, "force_restart"))
	case "stop":
		st, err = a.Tool.Stop(reason, paramBool(req.Parameters, "force"))
	case "status":
		st = a.Tool.Status()
	default:
		return failure(started, CodeAdapterError, fmt.Sprintf("unsupported edparser op: %s", a.Op))
	}
	if err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}
	return success(started, map[string]any{
		"running":          st.Running,
		"pid":              st.PID,
		"managed_by":       st.ManagedBy,
		"last_started_utc": st.LastStartedUTC,
		"last_stopped_utc": st.LastStoppedUTC,
		"last_error":       st.LastError,
		"reason":           reason,
	})
}
