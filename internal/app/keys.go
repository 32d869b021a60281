package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds the bindings handled by the root model itself. Anything
// else is routed to the active page, which owns its own keys (cancel,
// field navigation, port cycling).
type KeyMap struct {
	ToggleFocus key.Binding
	Help        key.Binding
	Quit        key.Binding

	// Sidebar navigation
	PrevPage key.Binding
	NextPage key.Binding
	OpenPage key.Binding

	// Content -> sidebar
	ClosePage key.Binding
}

var GlobalKeys = KeyMap{
	ToggleFocus: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "toggle focus"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	PrevPage: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "prev page"),
	),
	NextPage: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "next page"),
	),
	OpenPage: key.NewBinding(
		key.WithKeys("enter", "right"),
		key.WithHelp("enter", "open page"),
	),
	ClosePage: key.NewBinding(
		key.WithKeys("left"),
		key.WithHelp("←", "back"),
	),
}
