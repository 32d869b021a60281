package app

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// PageID identifies each page in the application.
type PageID int

const (
	FlashPage PageID = iota
	MonitorPage
	HistoryPage
	SettingsPage
)

var PageOrder = []PageID{
	FlashPage,
	MonitorPage,
	HistoryPage,
	SettingsPage,
}

// Page is the interface every page in the application implements.
type Page interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (Page, tea.Cmd)
	View() string
	Name() string
	ShortHelp() []key.Binding
	SetSize(width, height int)
}

// InputCapturer is an optional interface for pages with text inputs.
// When InputCaptured returns true, the app forwards all keys directly
// to the page instead of processing shortcuts like q, ?, left, etc.
type InputCapturer interface {
	InputCaptured() bool
}

// FlashStartedMsg is broadcast when a flash session begins. The monitor
// page releases the COM port on it so the vendor tool can open it.
type FlashStartedMsg struct {
	Port string
}

// PortChangedMsg is broadcast when the selected COM port changes.
type PortChangedMsg struct {
	Port string
}

// FirmwareChangedMsg is broadcast when the selected firmware changes.
type FirmwareChangedMsg struct {
	Path string
}

// BaudRateChangedMsg is broadcast when the monitor baud rate changes.
type BaudRateChangedMsg struct {
	Baud int
}
