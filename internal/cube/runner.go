package cube

import (
	"bufio"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrWaitTimeout is returned by Handle.Wait when the process has not
// exited before the deadline. The caller decides whether to Kill.
var ErrWaitTimeout = errors.New("timed out waiting for process exit")

// ExitStatus describes how the external process ended.
type ExitStatus struct {
	Code   int
	Killed bool
}

// Handle owns one running vendor CLI process. Exactly one Handle exists
// per launch; the process is reaped on every exit path, including kill.
type Handle struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	// closed by Kill so the reader never blocks on a consumer that left
	abandoned chan struct{}

	signalOnce sync.Once
	killOnce   sync.Once

	mu     sync.Mutex
	status ExitStatus
}

// Launch starts the executable with stderr merged into stdout and begins
// streaming output lines. It fails without a handle if the binary cannot
// be found or spawned.
func Launch(name string, args ...string) (*Handle, error) {
	cmd := exec.Command(name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "could not open stdout pipe")
	}
	cmd.Stderr = cmd.Stdout // merge stderr into stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "could not launch %s", name)
	}

	h := &Handle{
		cmd:       cmd,
		lines:     make(chan string, 64),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case h.lines <- scanner.Text():
			case <-h.abandoned:
			}
		}

		code := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		h.mu.Lock()
		h.status.Code = code
		h.mu.Unlock()

		close(h.lines)
		close(h.done)
	}()

	return h, nil
}

// Lines returns the output stream. It yields stdout and stderr lines in
// arrival order and is closed once the process has exited and the pipe
// is drained. The stream is not restartable.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Signal asks the process to stop gracefully. Idempotent. On platforms
// where interrupt delivery is unsupported it degrades to Kill.
func (h *Handle) Signal() {
	h.signalOnce.Do(func() {
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
			h.Kill()
		}
	})
}

// Kill forcibly terminates the process. Always succeeds in ending it;
// the exit status then reads as Killed.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		h.mu.Lock()
		h.status.Killed = true
		h.mu.Unlock()
		h.cmd.Process.Kill()
		close(h.abandoned)
	})
}

// Wait blocks until the process exits or the timeout elapses. On
// ErrWaitTimeout the process is still running and the caller must
// escalate to Kill.
func (h *Handle) Wait(timeout time.Duration) (ExitStatus, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status, nil
	case <-time.After(timeout):
		return ExitStatus{}, ErrWaitTimeout
	}
}
