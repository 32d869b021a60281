package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	DefaultBaudRate   = 115200
	DefaultProgrammer = "STM32_Programmer_CLI"
)

// Config holds all stflash configuration.
type Config struct {
	ComPort        string `json:"com_port,omitempty"`
	FirmwarePath   string `json:"firmware_path,omitempty"`
	SerialBaudRate int    `json:"serial_baud_rate,omitempty"`
	ProgrammerPath string `json:"programmer_path,omitempty"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		SerialBaudRate: DefaultBaudRate,
		ProgrammerPath: DefaultProgrammer,
	}
}

// Load reads and merges global and local configs.
// Order: defaults → global (~/.config/stflash/config.json) → local
// (<root>/.stflash/config.json).
func Load(root string) Config {
	cfg := Defaults()

	if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".config", "stflash", "config.json")
		mergeFromFile(&cfg, globalPath)
	}

	if root != "" {
		localPath := filepath.Join(root, ".stflash", "config.json")
		mergeFromFile(&cfg, localPath)
	}

	return cfg
}

// Save writes the config to <root>/.stflash/config.json by default, or
// to the global config if global is true.
func Save(cfg Config, root string, global bool) error {
	var dir string
	if global {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".config", "stflash")
	} else {
		dir = filepath.Join(root, ".stflash")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}

func mergeFromFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return
	}

	if fileCfg.ComPort != "" {
		cfg.ComPort = fileCfg.ComPort
	}
	if fileCfg.FirmwarePath != "" {
		cfg.FirmwarePath = fileCfg.FirmwarePath
	}
	if fileCfg.SerialBaudRate != 0 {
		cfg.SerialBaudRate = fileCfg.SerialBaudRate
	}
	if fileCfg.ProgrammerPath != "" {
		cfg.ProgrammerPath = fileCfg.ProgrammerPath
	}
}
