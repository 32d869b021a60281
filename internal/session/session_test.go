package session

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mkurata/stflash/internal/cube"
)

var errNoSuchImage = errors.New("no such image")

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestSession(launcher *fakeLauncher, opts Options) *Session {
	if opts.Launch == nil && launcher != nil {
		opts.Launch = launcher.launch
	}
	if opts.ValidatePort == nil {
		opts.ValidatePort = portIsPresent("COM3")
	}
	if opts.StatImage == nil {
		opts.StatImage = imageExists(`C:\fw\app.elf`)
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(opts)
}

func drain(t *testing.T, ch <-chan Notification) ([]cube.Event, *Result) {
	t.Helper()
	var events []cube.Event
	var result *Result

	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				if result == nil {
					t.Fatal("subscription closed without a result")
				}
				return events, result
			}
			if n.Event != nil {
				events = append(events, *n.Event)
			}
			if n.Result != nil {
				result = n.Result
			}
		case <-timeout:
			t.Fatal("timed out draining subscription")
		}
	}
}

func TestSubmitRejectsUnknownPort(t *testing.T) {
	launcher := &fakeLauncher{proc: newFakeProcess(0)}
	s := newTestSession(launcher, Options{})

	_, err := s.Submit(Request{Port: "COM9", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	if err != ErrPortUnavailable {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
	if launcher.launchCount() != 0 {
		t.Error("no process may be launched on validation failure")
	}
	if got := s.State().State; got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}

	s.Acknowledge()
	if got := s.State().State; got != StateIdle {
		t.Errorf("expected idle after acknowledge, got %s", got)
	}
}

func TestSubmitRejectsMissingImage(t *testing.T) {
	launcher := &fakeLauncher{proc: newFakeProcess(0)}
	s := newTestSession(launcher, Options{})

	_, err := s.Submit(Request{Port: "COM3", Image: `C:\fw\missing.elf`, Action: cube.ActionProgramVerify})
	if err != ErrImageNotFound {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
	if launcher.launchCount() != 0 {
		t.Error("no process may be launched when the image is missing")
	}
}

func TestResetDoesNotRequireImage(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, err := s.Submit(Request{Port: "COM3", Action: cube.ActionResetOnly})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeSuccess {
		t.Errorf("expected success on clean exit, got %s", result.Outcome)
	}
}

func TestSubmitWhileBusyIsRejected(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	req := Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify}
	ch, err := s.Submit(req)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	if _, err := s.Submit(req); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if launcher.launchCount() != 1 {
		t.Errorf("expected exactly one launch, got %d", launcher.launchCount())
	}

	proc.exit()
	drain(t, ch)
}

func TestSuccessfulFlashScenario(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, err := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	proc.emit("Erasing... 100%", "Programming... 100%", "Verify OK")
	proc.exit()

	events, result := drain(t, ch)

	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Outcome, result.Reason)
	}
	full := 0
	for _, ev := range events {
		if ev.Kind == cube.EventProgress && ev.Percent == 100 {
			full++
		}
	}
	if full < 2 {
		t.Errorf("expected progress to reach 100 at least twice, got %d", full)
	}
	if got := s.State().State; got != StateSucceeded {
		t.Errorf("expected succeeded state, got %s", got)
	}

	if len(launcher.calls) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(launcher.calls))
	}
	if launcher.calls[0].name != cube.DefaultProgrammer {
		t.Errorf("expected default programmer, got %s", launcher.calls[0].name)
	}
}

func TestExitZeroWithoutBannerIsSuccess(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit("Download in Progress: 50%")
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeSuccess {
		t.Errorf("expected success for exit 0 with no error events, got %s", result.Outcome)
	}
}

func TestLastErrorLineWinsAsReason(t *testing.T) {
	proc := newFakeProcess(1)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit(
		"Error: first problem",
		"Erasing... 10%",
		"Error: second problem",
	)
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s", result.Outcome)
	}
	if result.Reason != "Error: second problem" {
		t.Errorf("expected last error text as reason, got %q", result.Reason)
	}
}

func TestErrorAfterSuccessBannerFails(t *testing.T) {
	proc := newFakeProcess(1)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit(
		"Verify OK",
		"Error: data mismatch found at 0x08000000",
	)
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failure when an error follows the success banner, got %s", result.Outcome)
	}
	if result.Reason != "Error: data mismatch found at 0x08000000" {
		t.Errorf("expected the error text as reason, got %q", result.Reason)
	}
	if got := s.State().State; got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}
}

func TestNonZeroExitWithoutParsedErrorGetsGenericReason(t *testing.T) {
	proc := newFakeProcess(5)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s", result.Outcome)
	}
	if result.Reason == "" {
		t.Error("expected a generic exit-code reason")
	}
}

func TestLaunchFailureReportedThroughSubscription(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("exec: not found")}
	s := newTestSession(launcher, Options{})

	ch, err := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, result := drain(t, ch)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s", result.Outcome)
	}
	if got := s.State().State; got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}
}

func TestWarningsAndUnknownLinesArePreserved(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit(
		"Warning: Option bytes unchanged",
		"some output from a future tool version",
		"Verify OK",
	)
	proc.exit()

	_, result := drain(t, ch)
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 preserved lines, got %d: %v", len(result.Warnings), result.Warnings)
	}
	if result.Warnings[0] != "Warning: Option bytes unchanged" {
		t.Errorf("expected warning first, got %q", result.Warnings[0])
	}
	if result.Warnings[1] != "some output from a future tool version" {
		t.Errorf("expected unknown line preserved verbatim, got %q", result.Warnings[1])
	}
}

func TestCancelDuringRunningEndsCancelled(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit("Erasing... 10%")

	// Let the worker observe the line before cancelling
	deadline := time.After(2 * time.Second)
	for s.State().Progress != 10 {
		select {
		case <-deadline:
			t.Fatal("worker never observed progress")
		case <-time.After(time.Millisecond):
		}
	}

	s.Cancel()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s (%s)", result.Outcome, result.Reason)
	}
	if got := s.State().State; got != StateCancelled {
		t.Errorf("expected cancelled state, got %s", got)
	}
	if proc.signalCount() == 0 {
		t.Error("expected a graceful signal before anything else")
	}
}

func TestCancelEscalatesToKillAfterGrace(t *testing.T) {
	proc := newFakeProcess(0)
	proc.ignoreSignal = true
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{GracePeriod: 50 * time.Millisecond})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	s.Cancel()

	start := time.Now()
	_, result := drain(t, ch)

	if result.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled after escalation, got %s", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
	proc.mu.Lock()
	kills := proc.kills
	proc.mu.Unlock()
	if kills == 0 {
		t.Error("expected forced kill after grace period")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	s.Cancel()
	s.Cancel()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", result.Outcome)
	}
}

func TestCancelWhileIdleIsNoOp(t *testing.T) {
	s := newTestSession(&fakeLauncher{proc: newFakeProcess(0)}, Options{})
	s.Cancel()
	s.Cancel()
	if got := s.State().State; got != StateIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestSuccessObservedBeforeCancelWins(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.emit("Verify OK")

	// Wait until the success event is consumed, then cancel.
	deadline := time.After(2 * time.Second)
	sawSuccess := false
	for !sawSuccess {
		select {
		case n := <-ch:
			if n.Event != nil && n.Event.Kind == cube.EventSuccess {
				sawSuccess = true
			}
		case <-deadline:
			t.Fatal("success event never delivered")
		}
	}

	s.Cancel()
	proc.exit()

	_, result := drain(t, ch)
	if result.Outcome != OutcomeSuccess {
		t.Errorf("first-detected verdict must win, got %s", result.Outcome)
	}
}

func TestTerminalStateAdmitsNewRequestAfterAcknowledge(t *testing.T) {
	proc := newFakeProcess(0)
	launcher := &fakeLauncher{proc: proc}
	s := newTestSession(launcher, Options{})

	ch, _ := s.Submit(Request{Port: "COM3", Image: `C:\fw\app.elf`, Action: cube.ActionProgramVerify})
	proc.exit()
	drain(t, ch)

	if _, err := s.Submit(Request{Port: "COM3", Action: cube.ActionResetOnly}); err != ErrSessionBusy {
		t.Fatalf("expected busy before acknowledge, got %v", err)
	}

	s.Acknowledge()

	proc2 := newFakeProcess(0)
	launcher.mu.Lock()
	launcher.proc = proc2
	launcher.mu.Unlock()

	ch2, err := s.Submit(Request{Port: "COM3", Action: cube.ActionResetOnly})
	if err != nil {
		t.Fatalf("Submit after acknowledge failed: %v", err)
	}
	proc2.exit()
	_, result := drain(t, ch2)
	if result.Outcome != OutcomeSuccess {
		t.Errorf("expected success, got %s", result.Outcome)
	}
}
