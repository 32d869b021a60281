package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mkurata/stflash/internal/cube"
	"github.com/mkurata/stflash/internal/serialport"
)

// DefaultGracePeriod bounds how long a graceful stop may take before the
// vendor process is force-killed.
const DefaultGracePeriod = 4 * time.Second

// Validation errors, resolved before any process is spawned.
var (
	ErrSessionBusy     = errors.New("a flash session is already in flight")
	ErrPortUnavailable = errors.New("selected serial port is not present")
	ErrImageNotFound   = errors.New("firmware image does not exist")
)

// State is the position of the session machine. Terminal states return
// to StateIdle via Acknowledge.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateConnecting
	StateRunning
	StateFinalizing
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state ends a flash attempt.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Outcome classifies a finished flash attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Request describes one flash attempt. Immutable once submitted.
type Request struct {
	Port   string
	Image  string
	Action cube.Action
}

// Result is the terminal record of one flash attempt.
type Result struct {
	Outcome  Outcome
	Reason   string // populated for OutcomeFailed
	Warnings []string
	Elapsed  time.Duration
}

// Notification carries either one parsed event or, last, the result.
// The subscription channel is closed after the result is delivered.
type Notification struct {
	Event  *cube.Event
	Result *Result
}

// Snapshot is an immutable copy of observable session state for the UI.
type Snapshot struct {
	State    State
	Action   cube.Action
	Progress int
	Stage    string
}

// Process is the session's view of a launched vendor CLI invocation.
// *cube.Handle implements it.
type Process interface {
	Lines() <-chan string
	Signal()
	Kill()
	Wait(timeout time.Duration) (cube.ExitStatus, error)
}

// LaunchFunc spawns the vendor CLI. Swapped for a fake in tests.
type LaunchFunc func(name string, args []string) (Process, error)

// Options configures a Session. Zero fields get working defaults.
type Options struct {
	Programmer   string
	GracePeriod  time.Duration
	Launch       LaunchFunc
	ValidatePort func(portID string) bool
	StatImage    func(path string) error
	Logger       *logrus.Entry
}

// Session owns the flash state machine. One live process at most; a
// request while not idle is rejected with ErrSessionBusy, never queued.
type Session struct {
	programmer   string
	grace        time.Duration
	launch       LaunchFunc
	validatePort func(string) bool
	statImage    func(string) error
	log          *logrus.Entry

	mu         sync.Mutex
	state      State
	action     cube.Action
	progress   int
	stage      string
	cancelCh   chan struct{}
	cancelOnce *sync.Once
}

func New(opts Options) *Session {
	if opts.Programmer == "" {
		opts.Programmer = cube.DefaultProgrammer
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Launch == nil {
		opts.Launch = func(name string, args []string) (Process, error) {
			h, err := cube.Launch(name, args...)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	if opts.ValidatePort == nil {
		opts.ValidatePort = serialport.NewRegistry().Validate
	}
	if opts.StatImage == nil {
		opts.StatImage = func(path string) error {
			_, err := os.Stat(path)
			return err
		}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Session{
		programmer:   opts.Programmer,
		grace:        opts.GracePeriod,
		launch:       opts.Launch,
		validatePort: opts.ValidatePort,
		statImage:    opts.StatImage,
		log:          opts.Logger,
	}
}

// Submit starts one flash attempt. Validation failures and busy
// rejection come back synchronously, before any process is spawned;
// everything after launch arrives through the returned subscription as
// parsed events followed by exactly one result, after which the channel
// closes.
func (s *Session) Submit(req Request) (<-chan Notification, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.state = StateValidating
	s.action = req.Action
	s.progress = 0
	s.stage = ""
	s.mu.Unlock()

	if !s.validatePort(req.Port) {
		s.setState(StateFailed)
		s.log.WithField("port", req.Port).Warn("port validation failed")
		return nil, ErrPortUnavailable
	}
	if req.Action.NeedsImage() {
		if err := s.statImage(req.Image); err != nil {
			s.setState(StateFailed)
			s.log.WithField("image", req.Image).Warn("firmware image not found")
			return nil, ErrImageNotFound
		}
	}

	notify := make(chan Notification, 64)
	cancelCh := make(chan struct{})

	s.mu.Lock()
	s.state = StateConnecting
	s.cancelCh = cancelCh
	s.cancelOnce = new(sync.Once)
	s.mu.Unlock()

	go s.run(req, notify, cancelCh)
	return notify, nil
}

// Cancel requests a graceful stop of the in-flight attempt. Idempotent;
// a no-op when the session is idle or already finished.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCh == nil {
		return
	}
	ch := s.cancelCh
	s.cancelOnce.Do(func() { close(ch) })
}

// Acknowledge returns a terminal session to idle so a new request can
// be admitted.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return
	}
	s.state = StateIdle
	s.progress = 0
	s.stage = ""
}

// State returns an immutable snapshot of the observable session state.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:    s.state,
		Action:   s.action,
		Progress: s.progress,
		Stage:    s.stage,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st.Terminal() {
		s.cancelCh = nil
	}
	s.mu.Unlock()
}

func (s *Session) setProgress(pct int, stage string) {
	s.mu.Lock()
	s.progress = pct
	if stage != "unknown" {
		s.stage = stage
	}
	s.mu.Unlock()
}

func (s *Session) setStage(stage string) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

type verdict int

const (
	verdictNone verdict = iota
	verdictSuccess
	verdictFailed
	verdictCancelled
)

// run is the worker for one flash attempt. It exclusively owns the
// process handle; the UI only ever sees snapshots and notifications.
func (s *Session) run(req Request, notify chan<- Notification, cancelCh chan struct{}) {
	defer close(notify)

	start := time.Now()
	args := cube.CommandLine(req.Action, req.Port, req.Image)
	log := s.log.WithFields(logrus.Fields{
		"port":   req.Port,
		"action": req.Action.String(),
	})
	log.WithField("args", args).Info("launching programmer")

	proc, err := s.launch(s.programmer, args)
	if err != nil {
		log.WithError(err).Error("launch failed")
		s.setState(StateFinalizing)
		res := Result{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("launch failed: %v", err),
			Elapsed: time.Since(start),
		}
		s.setState(StateFailed)
		notify <- Notification{Result: &res}
		return
	}

	s.setState(StateRunning)

	var (
		warnings  []string
		lastErr   string
		v         = verdictNone
		lines     = proc.Lines()
		cancelArm = cancelCh
		graceExp  <-chan time.Time
	)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			ev := cube.Classify(line)
			switch ev.Kind {
			case cube.EventProgress:
				s.setProgress(ev.Percent, ev.Stage)
			case cube.EventStage:
				if ev.Stage == "unknown" {
					// Keep unrecognized output in the trail
					warnings = append(warnings, ev.Text)
				} else {
					s.setStage(ev.Stage)
				}
			case cube.EventWarning:
				warnings = append(warnings, ev.Text)
			case cube.EventError:
				lastErr = ev.Text
				// An error line dominates an earlier success banner:
				// a verify that reports OK and then a mismatch has
				// failed. Only a cancel verdict stands.
				if v == verdictNone || v == verdictSuccess {
					v = verdictFailed
				}
			case cube.EventSuccess:
				if v == verdictNone {
					v = verdictSuccess
				}
			}
			log.WithField("line", ev.Text).Debug("programmer output")
			evCopy := ev
			notify <- Notification{Event: &evCopy}

		case <-cancelArm:
			cancelArm = nil
			if v == verdictNone {
				v = verdictCancelled
			}
			log.Info("cancel requested, signalling process")
			proc.Signal()
			graceExp = time.After(s.grace)

		case <-graceExp:
			graceExp = nil
			log.Warn("grace period elapsed, killing process")
			proc.Kill()
		}
	}

	status, err := proc.Wait(s.grace)
	if err != nil {
		// Output ended but the process lingers past the grace period.
		log.Warn("process outlived its output, killing")
		proc.Kill()
		status, _ = proc.Wait(s.grace)
		if v == verdictNone {
			v = verdictFailed
			lastErr = "timeout: process did not exit within grace period"
		}
	}

	s.setState(StateFinalizing)

	res := Result{Warnings: warnings, Elapsed: time.Since(start)}
	switch v {
	case verdictSuccess:
		res.Outcome = OutcomeSuccess
	case verdictCancelled:
		res.Outcome = OutcomeCancelled
	case verdictFailed:
		res.Outcome = OutcomeFailed
		res.Reason = lastErr
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("%s exited with code %d", s.programmer, status.Code)
		}
	default:
		if status.Code == 0 && !status.Killed {
			res.Outcome = OutcomeSuccess
		} else {
			res.Outcome = OutcomeFailed
			res.Reason = fmt.Sprintf("%s exited with code %d", s.programmer, status.Code)
		}
	}

	switch res.Outcome {
	case OutcomeSuccess:
		s.setState(StateSucceeded)
	case OutcomeCancelled:
		s.setState(StateCancelled)
	default:
		s.setState(StateFailed)
	}

	log.WithFields(logrus.Fields{
		"outcome":  res.Outcome.String(),
		"elapsed":  res.Elapsed.String(),
		"warnings": len(res.Warnings),
	}).Info("flash attempt finished")

	notify <- Notification{Result: &res}
}
