// Package supervisor owns the child process handle, its merged
// stdout+stderr stream, and the lifecycle state machine of spec.md
// §4.5. It is the only package in the Agent that touches the child
// process directly.
//
// Grounded on xaction.XactDemandBase's running-task
// lifecycle (Start/Finish/Abort) generalized from an in-process task to
// an OS child process, and on its line-oriented log scanning idiom
// (bufio.Scanner based stdout consumption, seen across aistore's
// devtools/tutils helpers) for the classify loop.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/broadcast"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

// EventKind enumerates the side-effect events a transition in the
// spec.md §4.5 table can raise besides the lifecycle change itself.
type EventKind string

const (
	EventStartupFailed     EventKind = "StartupFailed"
	EventCrashed           EventKind = "Crashed"
	EventStoppedCleanly    EventKind = "StoppedCleanly"
	EventStoppedForcefully EventKind = "StoppedForcefully"
)

type Event struct {
	Kind     EventKind
	ExitCode int
}

// Config configures the supervisor's readiness detection, which spec.md
// §4.5 requires to be pluggable since it is binary-version dependent,
// and its stop grace period. Line classification always uses
// DefaultRules.
type Config struct {
	ReadyPatternsOverride []string // empty uses DefaultReadyPatterns
	StopGraceTimeout      time.Duration
}

type lineMsg struct {
	stream model.Stream
	text   string
}

// Supervisor is the single owner of the managed child process.
type Supervisor struct {
	mu        sync.Mutex
	lifecycle *Watch[model.Lifecycle]
	cmd       *exec.Cmd
	exitCh    chan error
	exitCode  int

	bus           *broadcast.Bus[model.LogRecord]
	events        chan Event
	readyPatterns []*regexp.Regexp
	classifyRules []classifyRule
	stopGrace     time.Duration
}

func New(cfg Config) *Supervisor {
	grace := cfg.StopGraceTimeout
	if grace == 0 {
		grace = 30 * time.Second
	}
	ready := DefaultReadyPatterns
	if len(cfg.ReadyPatternsOverride) > 0 {
		ready = make([]*regexp.Regexp, 0, len(cfg.ReadyPatternsOverride))
		for _, p := range cfg.ReadyPatternsOverride {
			ready = append(ready, regexp.MustCompile(p))
		}
	}
	return &Supervisor{
		lifecycle:     NewWatch(model.NotRunning),
		bus:           broadcast.New[model.LogRecord](1024),
		events:        make(chan Event, 32),
		classifyRules: DefaultRules,
		readyPatterns: ready,
		stopGrace:     grace,
	}
}

func (s *Supervisor) Lifecycle() model.Lifecycle { return s.lifecycle.Get() }

func (s *Supervisor) WatchLifecycle() (<-chan model.Lifecycle, int) { return s.lifecycle.Subscribe() }
func (s *Supervisor) UnwatchLifecycle(tok int)                     { s.lifecycle.Unsubscribe(tok) }

func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) Subscribe() (<-chan interface{}, int) { return s.bus.Subscribe() }
func (s *Supervisor) Unsubscribe(tok int)                  { s.bus.Unsubscribe(tok) }

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		glog.Warningf("supervisor: dropping event %+v, events channel full", ev)
	}
}

// Start spawns the child at binPath with args, composed by the caller
// from the current install path, the save argument, and config-derived
// flags (spec.md §6). It returns once the process has been spawned;
// the Starting->Running (or Starting->NotRunning on failure) transition
// happens asynchronously and is observable via WatchLifecycle/Events.
func (s *Supervisor) Start(binPath string, args []string) error {
	s.mu.Lock()
	if s.lifecycle.Get() != model.NotRunning {
		state := s.lifecycle.Get()
		s.mu.Unlock()
		return agenterr.New(agenterr.NotIdle, "supervisor is %s", state)
	}

	cmd := exec.Command(binPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return agenterr.Wrap(agenterr.ProcessSpawnFailed, err, "opening stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return agenterr.Wrap(agenterr.ProcessSpawnFailed, err, "opening stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return agenterr.Wrap(agenterr.ProcessSpawnFailed, err, "spawning child process")
	}

	s.cmd = cmd
	s.exitCh = make(chan error, 1)
	s.lifecycle.Set(model.Starting)
	s.mu.Unlock()

	lines := make(chan lineMsg, 256)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(stdout, model.Stdout, lines, &wg)
	go s.pump(stderr, model.Stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	go s.consume(lines)
	go s.awaitExit(cmd)

	return nil
}

func (s *Supervisor) pump(r io.Reader, stream model.Stream, out chan<- lineMsg, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out <- lineMsg{stream: stream, text: sc.Text()}
	}
}

// consume classifies and publishes every line in the order it arrives
// on the merged channel, and detects the Starting->Running readiness
// transition (spec.md §4.5, §5's ordering guarantee for log
// subscribers).
func (s *Supervisor) consume(lines <-chan lineMsg) {
	for lm := range lines {
		rec := model.LogRecord{
			Timestamp: time.Now(),
			Stream:    lm.stream,
			Category:  Classify(s.classifyRules, lm.text),
			Content:   lm.text,
		}
		s.bus.Publish(rec)

		if s.lifecycle.Get() == model.Starting && MatchesAny(s.readyPatterns, lm.text) {
			s.lifecycle.Set(model.Running)
		}
	}
}

func (s *Supervisor) awaitExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := exitCode(cmd, err)

	s.mu.Lock()
	s.exitCode = code
	state := s.lifecycle.Get()
	s.mu.Unlock()

	switch state {
	case model.Starting:
		s.lifecycle.Set(model.NotRunning)
		s.emit(Event{Kind: EventStartupFailed, ExitCode: code})
	case model.Running:
		s.bus.Publish(model.LogRecord{
			Timestamp: time.Now(),
			Stream:    model.Stdout,
			Category:  model.CategorySystem,
			Content:   fmt.Sprintf("Crashed(exit_code=%d)", code),
		})
		s.lifecycle.Set(model.NotRunning)
		s.emit(Event{Kind: EventCrashed, ExitCode: code})
	case model.Stopping:
		// Stop() is waiting on exitCh; nothing else to do here.
	}

	s.exitCh <- err
}

// Stop signals the child with SIGINT and waits up to the configured
// grace period before escalating to SIGKILL (spec.md §4.5/§5).
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.lifecycle.Get() != model.Running {
		state := s.lifecycle.Get()
		s.mu.Unlock()
		return agenterr.New(agenterr.NotIdle, "supervisor is %s", state)
	}
	cmd := s.cmd
	exitCh := s.exitCh
	s.lifecycle.Set(model.Stopping)
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		glog.Warningf("supervisor: SIGINT failed, will wait for grace timeout then SIGKILL: %v", err)
	}

	select {
	case <-exitCh:
		s.lifecycle.Set(model.NotRunning)
		s.emit(Event{Kind: EventStoppedCleanly})
		return nil
	case <-time.After(s.stopGrace):
		_ = cmd.Process.Kill()
		<-exitCh
		s.lifecycle.Set(model.NotRunning)
		s.emit(Event{Kind: EventStoppedForcefully})
		return agenterr.New(agenterr.StopTimeout, "child did not exit within %s", s.stopGrace)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// WaitReady blocks until the supervisor leaves Starting, for callers
// (the Start operation worker) that need to report Completed/Failed
// once the transition resolves. If ctx is cancelled first it returns
// the current state together with ctx's error.
func (s *Supervisor) WaitReady(ctx context.Context) (model.Lifecycle, error) {
	ch, tok := s.lifecycle.Subscribe()
	defer s.lifecycle.Unsubscribe(tok)
	for {
		select {
		case st := <-ch:
			if st != model.Starting {
				return st, nil
			}
		case <-ctx.Done():
			return s.lifecycle.Get(), ctx.Err()
		}
	}
}
