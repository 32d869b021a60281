package pages

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wrap"

	"github.com/mkurata/stflash/internal/app"
	"github.com/mkurata/stflash/internal/config"
	"github.com/mkurata/stflash/internal/cube"
	"github.com/mkurata/stflash/internal/serialport"
	"github.com/mkurata/stflash/internal/session"
	"github.com/mkurata/stflash/internal/store"
	"github.com/mkurata/stflash/internal/ui"
)

// stampFormat matches the millisecond timestamps of the log trail.
const stampFormat = "2006/01/02 15:04:05.000"

// FlashController is the session surface the page drives. Satisfied by
// *session.Session and by the fake in tests.
type FlashController interface {
	Submit(req session.Request) (<-chan session.Notification, error)
	Cancel()
	State() session.Snapshot
	Acknowledge()
}

type flashField int

const (
	fieldPort flashField = iota
	fieldImage
	fieldAction
	flashFieldCount
)

type flashState int

const (
	flashIdle flashState = iota
	flashRunning
	flashDone
)

// flashNotificationMsg delivers one session notification to the page.
type flashNotificationMsg struct {
	n  session.Notification
	ok bool
}

// flashPortsMsg carries the result of a port enumeration.
type flashPortsMsg struct {
	ports []serialport.Port
	err   error
}

type FlashPage struct {
	portInput  textinput.Model
	imageInput textinput.Model
	action     cube.Action

	ports []serialport.Port

	focusedField flashField
	state        flashState
	output       strings.Builder
	viewport     viewport.Model
	progress     int
	stage        string

	sess     FlashController
	store    *store.Store
	cfg      *config.Config
	cfgRoot  string
	registry *serialport.Registry

	notifications <-chan session.Notification
	activeReq     session.Request

	flashStart    time.Time
	width, height int
	message       string
}

func NewFlashPage(sess FlashController, st *store.Store, cfg *config.Config, cfgRoot string, reg *serialport.Registry) *FlashPage {
	port := textinput.New()
	port.Placeholder = "COM4"
	port.CharLimit = 64
	port.Prompt = ""
	if cfg != nil && cfg.ComPort != "" {
		port.SetValue(cfg.ComPort)
	}
	port.Focus()

	image := textinput.New()
	image.Placeholder = `C:\fw\app.elf`
	image.CharLimit = 512
	image.Prompt = ""
	if cfg != nil && cfg.FirmwarePath != "" {
		image.SetValue(cfg.FirmwarePath)
	}

	vp := viewport.New(0, 0)

	return &FlashPage{
		portInput:  port,
		imageInput: image,
		viewport:   vp,
		sess:       sess,
		store:      st,
		cfg:        cfg,
		cfgRoot:    cfgRoot,
		registry:   reg,
	}
}

func (p *FlashPage) Init() tea.Cmd {
	return p.loadPorts()
}

func (p *FlashPage) loadPorts() tea.Cmd {
	return func() tea.Msg {
		if p.registry == nil {
			return flashPortsMsg{}
		}
		ports, err := p.registry.Ports()
		return flashPortsMsg{ports: ports, err: err}
	}
}

func waitForNotification(ch <-chan session.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		return flashNotificationMsg{n: n, ok: ok}
	}
}

func (p *FlashPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case flashPortsMsg:
		if msg.err != nil {
			p.message = fmt.Sprintf("Port scan failed: %v", msg.err)
			return p, nil
		}
		p.ports = msg.ports
		return p, nil

	case flashNotificationMsg:
		if !msg.ok {
			p.notifications = nil
			return p, nil
		}
		if msg.n.Event != nil {
			p.onEvent(*msg.n.Event)
		}
		if msg.n.Result != nil {
			p.onResult(*msg.n.Result)
		}
		return p, waitForNotification(p.notifications)

	case tea.KeyMsg:
		return p.handleKey(msg)
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func (p *FlashPage) handleKey(msg tea.KeyMsg) (app.Page, tea.Cmd) {
	if p.state == flashRunning {
		switch msg.String() {
		case "c", "esc":
			p.sess.Cancel()
			p.logLine("cancel requested")
			p.refreshViewport()
			return p, nil
		}
		var cmd tea.Cmd
		p.viewport, cmd = p.viewport.Update(msg)
		return p, cmd
	}

	switch msg.String() {
	case "enter":
		return p, p.start()
	case "up", "shift+tab":
		p.focusField((p.focusedField - 1 + flashFieldCount) % flashFieldCount)
		return p, nil
	case "down":
		p.focusField((p.focusedField + 1) % flashFieldCount)
		return p, nil
	case "left", "right":
		if p.focusedField == fieldAction {
			p.cycleAction(msg.String() == "right")
			return p, nil
		}
	case "ctrl+r":
		return p, p.loadPorts()
	case "ctrl+p":
		p.cyclePort()
		return p, nil
	}

	var cmd tea.Cmd
	switch p.focusedField {
	case fieldPort:
		p.portInput, cmd = p.portInput.Update(msg)
	case fieldImage:
		p.imageInput, cmd = p.imageInput.Update(msg)
	}
	return p, cmd
}

func (p *FlashPage) focusField(f flashField) {
	p.focusedField = f
	p.portInput.Blur()
	p.imageInput.Blur()
	switch f {
	case fieldPort:
		p.portInput.Focus()
	case fieldImage:
		p.imageInput.Focus()
	}
}

func (p *FlashPage) cycleAction(forward bool) {
	actions := []cube.Action{cube.ActionProgramVerify, cube.ActionEraseOnly, cube.ActionResetOnly}
	for i, a := range actions {
		if a == p.action {
			if forward {
				p.action = actions[(i+1)%len(actions)]
			} else {
				p.action = actions[(i-1+len(actions))%len(actions)]
			}
			return
		}
	}
	p.action = actions[0]
}

// cyclePort steps the port input through the detected ports.
func (p *FlashPage) cyclePort() {
	if len(p.ports) == 0 {
		p.message = "No serial ports detected"
		return
	}
	current := p.portInput.Value()
	next := 0
	for i, port := range p.ports {
		if port.Name == current {
			next = (i + 1) % len(p.ports)
			break
		}
	}
	p.portInput.SetValue(p.ports[next].Name)
}

func (p *FlashPage) start() tea.Cmd {
	port := strings.TrimSpace(p.portInput.Value())
	image := strings.TrimSpace(p.imageInput.Value())

	if port == "" {
		p.message = "Select a COM port first"
		return nil
	}
	if p.action.NeedsImage() && image == "" {
		p.message = "Select a firmware image first"
		return nil
	}

	req := session.Request{Port: port, Image: image, Action: p.action}
	ch, err := p.sess.Submit(req)
	if err != nil {
		// Validation failures leave the machine in a terminal state;
		// acknowledge so the next attempt is admitted.
		p.sess.Acknowledge()
		p.message = err.Error()
		return nil
	}

	p.notifications = ch
	p.activeReq = req
	p.state = flashRunning
	p.progress = 0
	p.stage = ""
	p.message = ""
	p.output.Reset()
	p.flashStart = time.Now()
	p.logLine(fmt.Sprintf("flash started: %s (%s on %s)", image, req.Action, port))
	p.refreshViewport()

	return tea.Batch(
		waitForNotification(ch),
		func() tea.Msg { return app.FlashStartedMsg{Port: port} },
		func() tea.Msg { return app.FirmwareChangedMsg{Path: image} },
	)
}

func (p *FlashPage) onEvent(ev cube.Event) {
	if ev.Kind == cube.EventProgress {
		p.progress = ev.Percent
		if ev.Stage != "unknown" {
			p.stage = ev.Stage
		}
	}
	if ev.Kind == cube.EventStage && ev.Stage != "unknown" {
		p.stage = ev.Stage
	}
	p.logLine(ev.Text)
	p.refreshViewport()
}

func (p *FlashPage) onResult(res session.Result) {
	switch res.Outcome {
	case session.OutcomeSuccess:
		p.logLine(fmt.Sprintf("flash succeeded in %s", res.Elapsed.Round(time.Millisecond)))
	case session.OutcomeCancelled:
		p.logLine(fmt.Sprintf("flash cancelled after %s", res.Elapsed.Round(time.Millisecond)))
	default:
		p.logLine(fmt.Sprintf("flash failed: %s", res.Reason))
	}
	if n := len(res.Warnings); n > 0 {
		p.logLine(fmt.Sprintf("%d line(s) preserved as warnings", n))
	}
	p.refreshViewport()
	p.viewport.GotoBottom()

	if p.store != nil {
		err := p.store.AddFlash(store.FlashRecord{
			Port:      p.activeReq.Port,
			Image:     p.activeReq.Image,
			Action:    p.activeReq.Action.String(),
			Outcome:   res.Outcome.String(),
			Reason:    res.Reason,
			Warnings:  len(res.Warnings),
			Timestamp: p.flashStart,
			Duration:  res.Elapsed.String(),
		})
		if err != nil {
			p.message = fmt.Sprintf("Error recording history: %v", err)
		}
	}

	// Persist the working port and image as the new defaults
	if res.Outcome == session.OutcomeSuccess && p.cfg != nil {
		p.cfg.ComPort = p.activeReq.Port
		if p.activeReq.Image != "" {
			p.cfg.FirmwarePath = p.activeReq.Image
		}
		if err := config.Save(*p.cfg, p.cfgRoot, false); err != nil {
			p.message = fmt.Sprintf("Error saving defaults: %v", err)
		}
	}

	p.sess.Acknowledge()
	p.state = flashDone
}

func (p *FlashPage) logLine(text string) {
	p.output.WriteString(fmt.Sprintf("[%s] %s\n", time.Now().Format(stampFormat), text))
}

func (p *FlashPage) refreshViewport() {
	w := p.viewport.Width
	if w <= 0 {
		w = 80
	}
	p.viewport.SetContent(wrap.String(p.output.String(), w))
	p.viewport.GotoBottom()
}

func (p *FlashPage) View() string {
	var form strings.Builder

	form.WriteString(p.formLine(fieldPort, "Port", p.portInput.View()))
	form.WriteString(p.formLine(fieldImage, "Firmware", p.imageInput.View()))

	action := p.action.String()
	if p.focusedField == fieldAction {
		action = "< " + action + " >"
	}
	form.WriteString(p.formLine(fieldAction, "Action", action))

	if len(p.ports) > 0 {
		var names []string
		for _, port := range p.ports {
			names = append(names, port.Name)
		}
		form.WriteString(ui.DimStyle.Render("  detected: "+strings.Join(names, ", ")) + "\n")
	}

	if p.message != "" {
		form.WriteString("\n  " + ui.WarningStyle.Render(p.message) + "\n")
	}

	if p.state == flashRunning || p.state == flashDone {
		bar := ui.ProgressBar(p.progress, 30)
		stage := p.stage
		if stage == "" {
			stage = "-"
		}
		form.WriteString(fmt.Sprintf("\n  %s %3d%%  %s\n", bar, p.progress, stage))
	}

	body := form.String() + "\n" + p.viewport.View()
	return ui.Panel("Flash", body, p.width, 0, p.state == flashRunning)
}

func (p *FlashPage) formLine(f flashField, label, value string) string {
	cursor := "  "
	if p.focusedField == f {
		cursor = ui.BoldStyle.Render("> ")
	}
	return fmt.Sprintf("%s%-9s %s\n", cursor, label, value)
}

func (p *FlashPage) Name() string { return "Flash" }

func (p *FlashPage) ShortHelp() []key.Binding {
	if p.state == flashRunning {
		return []key.Binding{
			key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "flash")),
		key.NewBinding(key.WithKeys("ctrl+p"), key.WithHelp("ctrl+p", "next port")),
		key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "rescan ports")),
	}
}

func (p *FlashPage) InputCaptured() bool {
	return p.state != flashRunning &&
		(p.focusedField == fieldPort || p.focusedField == fieldImage)
}

func (p *FlashPage) SetSize(w, h int) {
	p.width = w
	p.height = h
	p.viewport.Width = w - 6
	vh := h - 12
	if vh < 3 {
		vh = 3
	}
	p.viewport.Height = vh
}
