package config

import "time"

// ChatConfig bounds a single chat turn.
type ChatConfig struct {
	// HistoryWindow is how many recent messages feed the prompt.
	HistoryWindow int `yaml:"history_window"`
	// MaxToolCalls caps consecutive tool invocations within one turn.
	MaxToolCalls int           `yaml:"max_tool_calls"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	// EventBuffer is the per-connection frame buffer; content frames are
	// dropped oldest-first when it fills.
	EventBuffer int `yaml:"event_buffer"`
}

func applyChatDefaults(cfg *ChatConfig) {
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 50
	}
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = 16
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = 120 * time.Second
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 256
	}
}

// MCPConfig governs tool-server child process lifecycle.
type MCPConfig struct {
	// IdleTimeout evicts a live session with no traffic for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	StartupWait time.Duration `yaml:"startup_wait"`
}

func applyMCPDefaults(cfg *MCPConfig) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.StartupWait == 0 {
		cfg.StartupWait = 30 * time.Second
	}
}

// JobsConfig governs the scheduled-jobs runner.
type JobsConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// MaxRuntime is the per-execution ceiling.
	MaxRuntime time.Duration `yaml:"max_runtime"`
}

func applyJobsDefaults(cfg *JobsConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxRuntime == 0 {
		cfg.MaxRuntime = 15 * time.Minute
	}
}

// ViewerConfig governs attachment downloads and sweeping.
type ViewerConfig struct {
	// SweepAfter removes temp files older than this.
	SweepAfter  time.Duration `yaml:"sweep_after"`
	MaxFileSize int64         `yaml:"max_file_size"`
}

func applyViewerDefaults(cfg *ViewerConfig) {
	if cfg.SweepAfter == 0 {
		cfg.SweepAfter = 24 * time.Hour
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 100 << 20
	}
}

// SkillsConfig points at the on-disk skill library.
type SkillsConfig struct {
	// Dir overrides the default <data_dir>/skills location.
	Dir string `yaml:"dir"`
	// Watch disables the fsnotify resync loop when false is set
	// explicitly; nil means enabled.
	Watch *bool `yaml:"watch"`
}

// WatchEnabled reports whether the resync loop should run.
func (c SkillsConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}
