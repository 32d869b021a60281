package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/mkurata/stflash/internal/app"
	"github.com/mkurata/stflash/internal/config"
	"github.com/mkurata/stflash/internal/pages"
	"github.com/mkurata/stflash/internal/serialport"
	"github.com/mkurata/stflash/internal/session"
	"github.com/mkurata/stflash/internal/store"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load(cwd)
	st := store.New(filepath.Join(cwd, ".stflash"))

	initLogging(cwd)

	registry := serialport.NewRegistry()
	sess := session.New(session.Options{
		Programmer:   cfg.ProgrammerPath,
		ValidatePort: registry.Validate,
		Logger:       logrus.WithField("component", "session"),
	})

	pageMap := map[app.PageID]app.Page{
		app.FlashPage:    pages.NewFlashPage(sess, st, &cfg, cwd, registry),
		app.MonitorPage:  pages.NewMonitorPage(st, cfg.ComPort, cfg.SerialBaudRate),
		app.HistoryPage:  pages.NewHistoryPage(st),
		app.SettingsPage: pages.NewSettingsPage(&cfg, cwd),
	}

	model := app.New(pageMap, &cfg)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLogging sends logrus output to a file; the TUI owns the terminal.
func initLogging(root string) {
	dir := filepath.Join(root, ".stflash")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.SetOutput(os.Stderr)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, "stflash.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		return
	}
	logrus.SetOutput(f)

	logrus.SetLevel(logrus.InfoLevel)
	if os.Getenv("STFLASH_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
