package session

import (
	"sync"
	"time"

	"github.com/mkurata/stflash/internal/cube"
)

// fakeProcess is a scripted stand-in for a launched vendor CLI. Lines
// are emitted on demand; Signal and Kill close the stream the way the
// real handle does when the process dies.
type fakeProcess struct {
	mu       sync.Mutex
	lines    chan string
	done     chan struct{}
	status   cube.ExitStatus
	signals  int
	kills    int
	finished bool

	// when true, Signal does not stop the process (tests escalation)
	ignoreSignal bool
}

func newFakeProcess(exitCode int) *fakeProcess {
	return &fakeProcess{
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		status: cube.ExitStatus{Code: exitCode},
	}
}

// emit queues output lines.
func (f *fakeProcess) emit(lines ...string) {
	for _, l := range lines {
		f.lines <- l
	}
}

// exit ends the process: output channel closes, Wait unblocks.
func (f *fakeProcess) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	close(f.lines)
	close(f.done)
}

func (f *fakeProcess) Lines() <-chan string { return f.lines }

func (f *fakeProcess) Signal() {
	f.mu.Lock()
	f.signals++
	ignore := f.ignoreSignal
	f.mu.Unlock()
	if !ignore {
		f.exit()
	}
}

func (f *fakeProcess) Kill() {
	f.mu.Lock()
	f.kills++
	f.status.Killed = true
	f.mu.Unlock()
	f.exit()
}

func (f *fakeProcess) Wait(timeout time.Duration) (cube.ExitStatus, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.status, nil
	case <-time.After(timeout):
		return cube.ExitStatus{}, cube.ErrWaitTimeout
	}
}

func (f *fakeProcess) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

type launchCall struct {
	name string
	args []string
}

// fakeLauncher records launches and hands out scripted processes.
type fakeLauncher struct {
	mu        sync.Mutex
	calls     []launchCall
	proc      *fakeProcess
	launchErr error
}

func (f *fakeLauncher) launch(name string, args []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, launchCall{name: name, args: append([]string(nil), args...)})
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return f.proc, nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// portIsPresent is a ValidatePort stub accepting a fixed set.
func portIsPresent(ports ...string) func(string) bool {
	return func(id string) bool {
		for _, p := range ports {
			if p == id {
				return true
			}
		}
		return false
	}
}

func imageExists(paths ...string) func(string) error {
	return func(path string) error {
		for _, p := range paths {
			if p == path {
				return nil
			}
		}
		return errNoSuchImage
	}
}
