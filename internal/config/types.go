package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	CallMeBot CallMeBotConfig `json:"callmebot,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`

	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`
	Calls      CallsConfig      `json:"calls,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type CallMeBotConfig struct {
	// APIURL overrides the default endpoint, mainly for tests.
	APIURL string `json:"api_url,omitempty"`
	// RequestTimeout is a Go duration string.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // nil means enabled
	File    string `json:"file,omitempty"`    // empty disables the file sink
}

func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "file"
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string, sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatcherConfig tunes delivery. All durations are Go duration
// strings (e.g. "2s", "1m").
type DispatcherConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryCap    string `json:"retry_cap,omitempty"`

	CatchUpPerSecond float64 `json:"catch_up_per_sec,omitempty"`
	CatchUpBurst     int     `json:"catch_up_burst,omitempty"`

	Retention  string `json:"retention,omitempty"`
	PurgeEvery string `json:"purge_every,omitempty"`
}

type CallsConfig struct {
	MaxActivePerOwner int    `json:"max_active_per_owner,omitempty"`
	DefaultTimezone   string `json:"default_timezone,omitempty"`
}

// Validate checks everything that can be checked without touching the
// network. Used both at startup and before committing a hot reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "json":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Calls.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Calls.DefaultTimezone); err != nil {
			return fmt.Errorf("calls.default_timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"callmebot.request_timeout", c.CallMeBot.RequestTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatcher.retry_base", c.Dispatcher.RetryBase},
		{"dispatcher.retry_cap", c.Dispatcher.RetryCap},
		{"dispatcher.retention", c.Dispatcher.Retention},
		{"dispatcher.purge_every", c.Dispatcher.PurgeEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
