package serialport

import (
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// Monitor manages one serial port connection and turns the byte stream
// into complete lines for display.
type Monitor struct {
	port     serial.Port
	portName string
	baudRate int
	mu       sync.Mutex
	running  bool
	lineCh   chan string
	done     chan struct{}
}

// NewMonitor creates a disconnected serial monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		lineCh: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Connect opens the port at 8N1 with the given baud rate. An existing
// connection is closed first.
func (m *Monitor) Connect(portName string, baudRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.disconnectLocked()
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return err
	}

	m.port = port
	m.portName = portName
	m.baudRate = baudRate
	m.running = true
	m.done = make(chan struct{})

	go m.readLoop(port, m.done)
	return nil
}

// Disconnect closes the serial port. Safe to call when not connected;
// the flash page calls it unconditionally before starting a session so
// the vendor tool gets the COM port to itself.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Monitor) disconnectLocked() {
	if !m.running {
		return
	}
	m.running = false
	if m.port != nil {
		m.port.Close()
	}
	close(m.done)
}

// Write sends data to the serial port.
func (m *Monitor) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil || !m.running {
		return io.ErrClosedPipe
	}
	_, err := m.port.Write(data)
	return err
}

// Lines returns the channel carrying complete received lines.
func (m *Monitor) Lines() <-chan string {
	return m.lineCh
}

// Connected reports whether the monitor holds an open port.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// PortName returns the currently (or last) connected port.
func (m *Monitor) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName
}

func (m *Monitor) readLoop(port serial.Port, done chan struct{}) {
	buf := make([]byte, 1024)
	var pending string

	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		pending += string(buf[:n])
		for {
			idx := strings.Index(pending, "\n")
			if idx == -1 {
				break
			}
			line := strings.TrimSpace(pending[:idx])
			pending = pending[idx+1:]
			if line == "" {
				continue
			}
			select {
			case m.lineCh <- line:
			default:
				// Drop lines if the consumer falls behind
			}
		}

		// Flush oversized partial lines so binary chatter without
		// newlines still shows up.
		if len(pending) > 1024 {
			if line := strings.TrimSpace(pending); line != "" {
				select {
				case m.lineCh <- line:
				default:
				}
			}
			pending = ""
		}
	}
}
