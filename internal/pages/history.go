package pages

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mkurata/stflash/internal/app"
	"github.com/mkurata/stflash/internal/session"
	"github.com/mkurata/stflash/internal/store"
	"github.com/mkurata/stflash/internal/ui"
)

type historyLoadedMsg struct {
	records []store.FlashRecord
	err     error
}

type HistoryPage struct {
	store   *store.Store
	records []store.FlashRecord

	viewport      viewport.Model
	width, height int
	message       string
}

func NewHistoryPage(st *store.Store) *HistoryPage {
	return &HistoryPage{
		store:    st,
		viewport: viewport.New(0, 0),
	}
}

func (p *HistoryPage) Init() tea.Cmd {
	return p.load()
}

func (p *HistoryPage) load() tea.Cmd {
	return func() tea.Msg {
		if p.store == nil {
			return historyLoadedMsg{}
		}
		records, err := p.store.Flashes()
		return historyLoadedMsg{records: records, err: err}
	}
}

func (p *HistoryPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case historyLoadedMsg:
		if msg.err != nil {
			p.message = fmt.Sprintf("Error loading history: %v", msg.err)
			return p, nil
		}
		p.records = msg.records
		p.refreshViewport()
		return p, nil

	case flashNotificationMsg:
		// A finished flash appends a record; reload when that happens.
		if msg.ok && msg.n.Result != nil {
			return p, p.load()
		}
		return p, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			return p, p.load()
		}
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func (p *HistoryPage) refreshViewport() {
	var b strings.Builder
	// Newest first
	for i := len(p.records) - 1; i >= 0; i-- {
		r := p.records[i]
		badge := ui.ErrorBadge("FAIL")
		switch r.Outcome {
		case session.OutcomeSuccess.String():
			badge = ui.SuccessBadge(" OK ")
		case session.OutcomeCancelled.String():
			badge = ui.WarningBadge("STOP")
		}

		image := r.Image
		if image != "" {
			image = "  " + filepath.Base(image)
		}
		b.WriteString(fmt.Sprintf("%s %s  %-8s %-15s%s  %s\n",
			badge,
			r.Timestamp.Format("2006/01/02 15:04:05"),
			r.Port,
			r.Action,
			image,
			r.Duration,
		))
		if r.Reason != "" {
			b.WriteString(ui.DimStyle.Render("       "+r.Reason) + "\n")
		}
	}
	if len(p.records) == 0 {
		b.WriteString(ui.DimStyle.Render("No flash attempts recorded yet."))
	}
	p.viewport.SetContent(b.String())
}

func (p *HistoryPage) View() string {
	header := fmt.Sprintf("%d recorded attempt(s)", len(p.records))
	if p.message != "" {
		header += "\n" + ui.WarningStyle.Render(p.message)
	}
	body := header + "\n\n" + p.viewport.View()
	return ui.Panel("History", body, p.width, 0, false)
}

func (p *HistoryPage) Name() string { return "History" }

func (p *HistoryPage) ShortHelp() []key.Binding {
	return []key.Binding{
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload")),
	}
}

func (p *HistoryPage) SetSize(w, h int) {
	p.width = w
	p.height = h
	p.viewport.Width = w - 6
	vh := h - 6
	if vh < 3 {
		vh = 3
	}
	p.viewport.Height = vh
}
