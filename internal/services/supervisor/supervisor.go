package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/config"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

const (
	defaultGracePeriod   = 10 * time.Second
	defaultStopTimeout   = 30 * time.Second
	forceStopWait        = time.Second
	lockRetryDelay       = 500 * time.Millisecond
	defaultReadyInterval = 2 * time.Second
	readyProbeTimeout    = 5 * time.Second
	killWait             = 5 * time.Second
)

// EventRecorder receives lifecycle events for metrics.
type EventRecorder interface {
	RecordSupervisorEvent(engine, event string)
}

type Status struct {
	Engine    string     `json:"engine"`
	State     State      `json:"state"`
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	Owned     bool       `json:"owned"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Command   string     `json:"command,omitempty"`
	LogFile   string     `json:"log_file"`
	PIDFile   string     `json:"pid_file"`
	LastError string     `json:"last_error,omitempty"`
}

type Option func(*Supervisor)

func WithEventRecorder(r EventRecorder) Option {
	return func(s *Supervisor) { s.events = r }
}

func WithLookPath(f func(string) (string, error)) Option {
	return func(s *Supervisor) { s.lookPath = f }
}

// Supervisor owns the lifecycle of one locally launched engine process.
// Start and Stop are serialized in-process and, through a lock file next to
// the pid file, across gateway processes sharing the host.
type Supervisor struct {
	profile       Profile
	cfg           config.EngineConfig
	logger        *zap.Logger
	events        EventRecorder
	lookPath      func(string) (string, error)
	readyInterval time.Duration
	afterGrace    func()
	httpClient    *http.Client

	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	done      chan struct{}
	exitErr   error
	relay     *logRelay
	startedAt time.Time
	command   string
	lastErr   string
}

func New(profile Profile, cfg config.EngineConfig, logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		profile:       profile,
		cfg:           cfg,
		logger:        logger.With(zap.String("engine", profile.Name)),
		lookPath:      defaultLookPath,
		readyInterval: defaultReadyInterval,
		httpClient:    &http.Client{},
		state:         StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Engine() string {
	return s.profile.Name
}

// Start launches the engine unless one is already running, in which case the
// running PID is returned. override replaces the configured command.
func (s *Supervisor) Start(ctx context.Context, override string) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if pid, ok := s.runningPID(); ok {
		return pid, nil
	}

	lock := newLockScope(s.cfg.PIDFile + ".lock")
	acquired, err := lock.TryLock()
	if err != nil {
		return 0, s.opError("start", "cannot take start lock", err)
	}
	if !acquired {
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return 0, s.opError("start", "cancelled", ctx.Err())
		}
		if pid, ok := s.runningPID(); ok {
			return pid, nil
		}
		e := s.opError("start", "could not acquire start lock, another process is starting the backend", nil)
		e.Contention = true
		return 0, e
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("Failed to release start lock", zap.Error(err))
		}
	}()

	// Another gateway may have finished a start between our check and the lock.
	if pid, ok := s.runningPID(); ok {
		return pid, nil
	}
	return s.launch(ctx, override)
}

func (s *Supervisor) launch(ctx context.Context, override string) (int, error) {
	command, err := resolveCommand(override, s.cfg)
	if err != nil {
		return 0, s.opError("start", "no command", err)
	}
	argv, err := buildArgv(s.profile, command, s.cfg, s.lookPath)
	if err != nil {
		return 0, s.opError("start", "invalid command", err)
	}
	env, err := buildEnv(s.profile, s.cfg)
	if err != nil {
		return 0, s.opError("start", "invalid environment", err)
	}

	relay, err := openLogRelay(s.cfg.LogFile, s.cfg.LogMaxSizeMB)
	if err != nil {
		return 0, s.opError("start", "cannot open log file", err)
	}

	cmdText := quoteArgv(argv)
	relay.Banner(cmdText, s.cfg.LogFile)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = relay.writer
	cmd.Stderr = relay.writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		relay.abort()
		s.record("start_failed")
		return 0, s.opError("start", "spawn failed", err)
	}
	relay.Start()

	pid := cmd.Process.Pid
	relay.Printf("process started, PID %d", pid)

	if err := writePID(s.cfg.PIDFile, pid); err != nil {
		_ = signalGroup(pid, syscall.SIGKILL)
		_ = cmd.Wait()
		relay.Close()
		return 0, s.opError("start", "cannot write pid file", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = StateStarting
	s.cmd = cmd
	s.done = done
	s.exitErr = nil
	s.relay = relay
	s.startedAt = time.Now()
	s.command = cmdText
	s.lastErr = ""
	s.mu.Unlock()

	go s.watch(cmd, done, relay)

	s.logger.Info("Backend process launched",
		zap.Int("pid", pid),
		zap.String("command", cmdText),
		zap.String("log_file", s.cfg.LogFile))

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return 0, s.failedStart(pid, relay, grace)
	case <-ctx.Done():
		s.terminate(pid, done, 0)
		removePIDIf(s.cfg.PIDFile, pid)
		relay.Close()
		s.setState(StateStopped)
		return 0, s.opError("start", "cancelled", ctx.Err())
	case <-timer.C:
	}
	if s.afterGrace != nil {
		s.afterGrace()
	}

	// done closes under s.mu, so an exit racing the timer is seen here or
	// by watch, never by neither.
	s.mu.Lock()
	exited := isClosed(done)
	if !exited {
		s.state = StateRunning
	}
	s.mu.Unlock()
	if exited {
		return 0, s.failedStart(pid, relay, grace)
	}

	s.record("started")
	s.logger.Info("Backend started", zap.Int("pid", pid))
	return pid, nil
}

// watch reaps the child and handles exits that nobody asked for.
func (s *Supervisor) watch(cmd *exec.Cmd, done chan struct{}, relay *logRelay) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	unexpected := s.state == StateRunning && s.cmd == cmd
	if unexpected {
		s.state = StateFailed
		s.lastErr = fmt.Sprintf("process exited unexpectedly, exit code %d", exitCode(err))
	}
	close(done)
	s.mu.Unlock()

	if unexpected {
		pid := cmd.Process.Pid
		s.logger.Warn("Backend process exited", zap.Int("pid", pid), zap.Int("exit_code", exitCode(err)))
		s.record("exited")
		removePIDIf(s.cfg.PIDFile, pid)
		relay.Printf("[ERROR] process exited, exit code %d", exitCode(err))
		relay.Close()
	}
}

func (s *Supervisor) failedStart(pid int, relay *logRelay, grace time.Duration) error {
	s.mu.Lock()
	code := exitCode(s.exitErr)
	s.mu.Unlock()

	removePIDIf(s.cfg.PIDFile, pid)
	relay.drain(2 * time.Second)

	hints, summary := diagnose(tailFile(s.cfg.LogFile, tailLines))
	reason := fmt.Sprintf("process exited within %s of start, exit code %d", grace, code)
	relay.Printf("[ERROR] %s", reason)
	relay.Close()

	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = reason
	s.mu.Unlock()

	s.record("start_failed")
	s.logger.Error("Backend failed to start",
		zap.Int("exit_code", code),
		zap.Strings("hints", hints),
		zap.String("log_file", s.cfg.LogFile))

	e := s.opError("start", reason, nil)
	e.ExitCode = code
	e.Hints = hints
	e.Summary = summary
	return e
}

// Stop terminates the engine. With force the process gets one second after
// SIGTERM before it is killed. Stopping a stopped backend is a no-op.
func (s *Supervisor) Stop(force bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	wait := s.cfg.StopTimeout
	if wait <= 0 {
		wait = defaultStopTimeout
	}
	if force {
		wait = forceStopWait
	}

	s.mu.Lock()
	cmd, done, relay := s.cmd, s.done, s.relay
	owned := cmd != nil && !isClosed(done)
	if owned {
		s.state = StateStopping
	}
	s.mu.Unlock()

	stopped := false
	if owned {
		pid := cmd.Process.Pid
		s.logger.Info("Stopping backend", zap.Int("pid", pid), zap.Bool("force", force))
		s.terminate(pid, done, wait)
		removePIDIf(s.cfg.PIDFile, pid)
		stopped = true
	} else if pid, ok := readPID(s.cfg.PIDFile); ok && processAlive(pid) {
		s.logger.Info("Stopping backend started by another process", zap.Int("pid", pid), zap.Bool("force", force))
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			return s.opError("stop", "cannot signal process", err)
		}
		if !waitExit(pid, wait) {
			_ = signalGroup(pid, syscall.SIGKILL)
			waitExit(pid, killWait)
		}
		stopped = true
	}

	removePID(s.cfg.PIDFile)
	if relay != nil {
		relay.Close()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.cmd = nil
	s.relay = nil
	s.mu.Unlock()

	if stopped {
		s.record("stopped")
		s.logger.Info("Backend stopped")
	}
	return nil
}

// Restart stops the engine and starts it again.
func (s *Supervisor) Restart(ctx context.Context, override string, force bool) (int, error) {
	if err := s.Stop(force); err != nil {
		return 0, err
	}
	return s.Start(ctx, override)
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after wait.
func (s *Supervisor) terminate(pid int, done <-chan struct{}, wait time.Duration) {
	if wait > 0 {
		_ = signalGroup(pid, syscall.SIGTERM)
		select {
		case <-done:
			return
		case <-time.After(wait):
			s.logger.Warn("Backend did not exit after SIGTERM, killing", zap.Int("pid", pid))
		}
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(killWait):
		s.logger.Error("Backend process did not exit after SIGKILL", zap.Int("pid", pid))
	}
}

func (s *Supervisor) IsRunning() bool {
	_, ok := s.runningPID()
	return ok
}

// runningPID reports the live engine PID from the owned handle or the pid
// file. A pid file naming a dead process is removed.
func (s *Supervisor) runningPID() (int, bool) {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd != nil && !isClosed(done) {
		return cmd.Process.Pid, true
	}

	pid, ok := readPID(s.cfg.PIDFile)
	if !ok {
		return 0, false
	}
	if processAlive(pid) {
		return pid, true
	}
	removePIDIf(s.cfg.PIDFile, pid)
	return 0, false
}

func (s *Supervisor) Status() Status {
	st := Status{
		Engine:  s.profile.Name,
		LogFile: s.cfg.LogFile,
		PIDFile: s.cfg.PIDFile,
	}

	pid, running := s.runningPID()

	s.mu.Lock()
	st.State = s.state
	st.LastError = s.lastErr
	owned := s.cmd != nil && !isClosed(s.done)
	if owned {
		st.Command = s.command
		t := s.startedAt
		st.StartedAt = &t
	}
	s.mu.Unlock()

	st.Running = running
	st.PID = pid
	st.Owned = owned
	if running && !owned {
		st.State = StateRunning
	}
	return st
}

// Owned reports whether this process launched the running engine.
func (s *Supervisor) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !isClosed(s.done)
}

// WaitForReady polls the engine's /health and /v1/models endpoints until one
// answers 200 or timeout elapses.
func (s *Supervisor) WaitForReady(ctx context.Context, host string, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, port)

	ticker := time.NewTicker(s.readyInterval)
	defer ticker.Stop()

	for {
		if s.probe(ctx, base+"/health") || s.probe(ctx, base+"/v1/models") {
			s.logger.Info("Backend is ready", zap.String("url", base))
			return true
		}

		s.mu.Lock()
		exited := s.cmd != nil && isClosed(s.done)
		s.mu.Unlock()
		if exited {
			return false
		}

		select {
		case <-ctx.Done():
			s.logger.Warn("Backend not ready before timeout", zap.String("url", base), zap.Duration("timeout", timeout))
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) record(event string) {
	if s.events != nil {
		s.events.RecordSupervisorEvent(s.profile.Name, event)
	}
}

func (s *Supervisor) opError(op, reason string, err error) *Error {
	return &Error{Engine: s.profile.Name, Op: op, Reason: reason, Err: err}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// removePIDIf removes the pid file only if it still names pid.
func removePIDIf(path string, pid int) {
	if cur, ok := readPID(path); ok && cur != pid {
		return
	}
	removePID(path)
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !processAlive(pid)
}
