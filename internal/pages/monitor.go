package pages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wrap"

	"github.com/mkurata/stflash/internal/app"
	"github.com/mkurata/stflash/internal/serialport"
	"github.com/mkurata/stflash/internal/store"
	"github.com/mkurata/stflash/internal/ui"
)

// monitorLineMsg delivers one received serial line.
type monitorLineMsg struct {
	line string
}

type MonitorPage struct {
	monitor *serialport.Monitor
	store   *store.Store

	port string
	baud int

	output    strings.Builder
	viewport  viewport.Model
	listening bool
	logFile   *os.File

	width, height int
	message       string
}

func NewMonitorPage(st *store.Store, port string, baud int) *MonitorPage {
	return &MonitorPage{
		monitor:  serialport.NewMonitor(),
		store:    st,
		port:     port,
		baud:     baud,
		viewport: viewport.New(0, 0),
	}
}

func (p *MonitorPage) Init() tea.Cmd { return nil }

func waitForSerialLine(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return monitorLineMsg{line: <-ch}
	}
}

func (p *MonitorPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.PortChangedMsg:
		p.port = msg.Port
		return p, nil

	case app.BaudRateChangedMsg:
		p.baud = msg.Baud
		return p, nil

	case app.FlashStartedMsg:
		// The vendor tool needs the COM port — release it.
		if p.monitor.Connected() {
			p.disconnect()
			p.logLine("disconnected: port released for flashing")
			p.refreshViewport()
		}
		return p, nil

	case monitorLineMsg:
		if p.monitor.Connected() {
			p.logLine(msg.line)
			p.refreshViewport()
		}
		return p, waitForSerialLine(p.monitor.Lines())

	case tea.KeyMsg:
		switch msg.String() {
		case "c":
			if p.monitor.Connected() {
				p.disconnect()
				p.logLine("disconnected")
				p.refreshViewport()
				return p, nil
			}
			return p, p.connect()
		case "x":
			p.output.Reset()
			p.refreshViewport()
			return p, nil
		}
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func (p *MonitorPage) connect() tea.Cmd {
	if p.port == "" {
		p.message = "No COM port configured"
		return nil
	}

	if err := p.monitor.Connect(p.port, p.baud); err != nil {
		p.message = fmt.Sprintf("Connect failed: %v", err)
		return nil
	}

	p.message = ""
	p.logLine(fmt.Sprintf("connected to %s at %d baud", p.port, p.baud))
	p.refreshViewport()
	p.openLogFile()

	// The line channel survives reconnects, one subscription is enough.
	if p.listening {
		return nil
	}
	p.listening = true
	return waitForSerialLine(p.monitor.Lines())
}

func (p *MonitorPage) disconnect() {
	p.monitor.Disconnect()
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
}

func (p *MonitorPage) openLogFile() {
	if p.store == nil {
		return
	}
	dir, err := p.store.LogsDir()
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("monitor_%s.log", time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return
	}
	p.logFile = f
	p.store.AddMonitorLog(store.MonitorLog{
		Port:      p.port,
		BaudRate:  p.baud,
		Timestamp: time.Now(),
		LogFile:   path,
	})
}

func (p *MonitorPage) logLine(text string) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(stampFormat), text)
	p.output.WriteString(line)
	if p.logFile != nil {
		p.logFile.WriteString(line)
	}
}

func (p *MonitorPage) refreshViewport() {
	w := p.viewport.Width
	if w <= 0 {
		w = 80
	}
	p.viewport.SetContent(wrap.String(p.output.String(), w))
	p.viewport.GotoBottom()
}

func (p *MonitorPage) View() string {
	status := ui.ErrorBadge("disconnected")
	if p.monitor.Connected() {
		status = ui.SuccessBadge("connected")
	}

	port := p.port
	if port == "" {
		port = "(none)"
	}
	header := fmt.Sprintf("%s  %s @ %d baud", status, port, p.baud)
	if p.message != "" {
		header += "\n" + ui.WarningStyle.Render(p.message)
	}

	body := header + "\n\n" + p.viewport.View()
	return ui.Panel("Serial Monitor", body, p.width, 0, p.monitor.Connected())
}

func (p *MonitorPage) Name() string { return "Monitor" }

func (p *MonitorPage) ShortHelp() []key.Binding {
	label := "connect"
	if p.monitor.Connected() {
		label = "disconnect"
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("c"), key.WithHelp("c", label)),
		key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "clear")),
	}
}

func (p *MonitorPage) SetSize(w, h int) {
	p.width = w
	p.height = h
	p.viewport.Width = w - 6
	vh := h - 8
	if vh < 3 {
		vh = 3
	}
	p.viewport.Height = vh
}
