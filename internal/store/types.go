package store

import "time"

// FlashRecord captures the terminal result of one flash attempt.
type FlashRecord struct {
	Port      string    `json:"port"`
	Image     string    `json:"image,omitempty"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Warnings  int       `json:"warnings,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  string    `json:"duration"`
}

// MonitorLog tracks a serial monitoring session and its log file.
type MonitorLog struct {
	Port      string    `json:"port"`
	BaudRate  int       `json:"baud_rate"`
	Timestamp time.Time `json:"timestamp"`
	LogFile   string    `json:"log_file"`
}
