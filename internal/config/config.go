package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the static service configuration. Every field is optional: the
// Get* accessors fall back to the deployment defaults, so a partial file only
// needs to name what it changes. Durations are strings like "1.5s".
type Config struct {
	// Detection filters
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	DebugConfidence     *float64 `json:"debug_confidence,omitempty" yaml:"debug_confidence,omitempty"`
	MinAreaFraction     *float64 `json:"min_area_fraction,omitempty" yaml:"min_area_fraction,omitempty"`
	MinPersistence      *int     `json:"min_persistence,omitempty" yaml:"min_persistence,omitempty"`
	ClearOnCount        *bool    `json:"clear_on_count,omitempty" yaml:"clear_on_count,omitempty"`
	ForwardCounter      *string  `json:"forward_counter,omitempty" yaml:"forward_counter,omitempty"`   // "loading" or "rehab"
	BackwardCounter     *string  `json:"backward_counter,omitempty" yaml:"backward_counter,omitempty"` // "loading" or "rehab"

	// Double-count guard
	IndividualCooldown  *string  `json:"individual_cooldown,omitempty" yaml:"individual_cooldown,omitempty"`
	MinCrossingTime     *string  `json:"min_crossing_time,omitempty" yaml:"min_crossing_time,omitempty"`
	MinCrossingDistance *float64 `json:"min_crossing_distance,omitempty" yaml:"min_crossing_distance,omitempty"` // pixels
	GlobalCooldown      *string  `json:"global_cooldown,omitempty" yaml:"global_cooldown,omitempty"`
	PositionHistoryTTL  *string  `json:"position_history_ttl,omitempty" yaml:"position_history_ttl,omitempty"`
	TrackTTL            *string  `json:"track_ttl,omitempty" yaml:"track_ttl,omitempty"`

	// Session
	SessionMode         *string `json:"session_mode,omitempty" yaml:"session_mode,omitempty"` // "scan" or "auto"
	InactivityTimeout   *string `json:"inactivity_timeout,omitempty" yaml:"inactivity_timeout,omitempty"`
	RescanConfirm       *string `json:"rescan_confirm,omitempty" yaml:"rescan_confirm,omitempty"`
	RescanIgnore        *string `json:"rescan_ignore,omitempty" yaml:"rescan_ignore,omitempty"`
	FinishSentinel      *string `json:"finish_sentinel,omitempty" yaml:"finish_sentinel,omitempty"`
	UnknownIdentifier   *string `json:"unknown_identifier,omitempty" yaml:"unknown_identifier,omitempty"`
	OperationalDayStart *string `json:"operational_day_start,omitempty" yaml:"operational_day_start,omitempty"` // "HH:MM"
	Timezone            *string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	// Sync engine
	SyncTimeout      *string `json:"sync_timeout,omitempty" yaml:"sync_timeout,omitempty"`
	QueueCapacity    *int    `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`
	MaxAge           *string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	RetryBatch       *int    `json:"retry_batch,omitempty" yaml:"retry_batch,omitempty"`
	RetryInterval    *string `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`
	BreakerThreshold *int    `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty"`
	BreakerReset     *string `json:"breaker_reset,omitempty" yaml:"breaker_reset,omitempty"`

	// Capture
	CaptureSource    *string `json:"capture_source,omitempty" yaml:"capture_source,omitempty"` // "udp" or "pcap"
	CaptureAddress   *string `json:"capture_address,omitempty" yaml:"capture_address,omitempty"`
	PCAPFile         *string `json:"pcap_file,omitempty" yaml:"pcap_file,omitempty"`
	PCAPPort         *int    `json:"pcap_port,omitempty" yaml:"pcap_port,omitempty"`
	FrameQueueSize   *int    `json:"frame_queue_size,omitempty" yaml:"frame_queue_size,omitempty"`
	MaxReadFailures  *int    `json:"max_read_failures,omitempty" yaml:"max_read_failures,omitempty"`
	ReadTimeout      *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	ReconnectSilence *string `json:"reconnect_silence,omitempty" yaml:"reconnect_silence,omitempty"`
	WatchdogTimeout  *string `json:"watchdog_timeout,omitempty" yaml:"watchdog_timeout,omitempty"`
	BackoffInitial   *string `json:"backoff_initial,omitempty" yaml:"backoff_initial,omitempty"`
	BackoffMax       *string `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`

	// Identifier scanner
	ScannerPort     *string `json:"scanner_port,omitempty" yaml:"scanner_port,omitempty"` // empty disables the serial scanner
	ScannerBaudRate *int    `json:"scanner_baud_rate,omitempty" yaml:"scanner_baud_rate,omitempty"`
	ScanDebounce    *string `json:"scan_debounce,omitempty" yaml:"scan_debounce,omitempty"`
	ScanQueueSize   *int    `json:"scan_queue_size,omitempty" yaml:"scan_queue_size,omitempty"`

	// Ledger and notifications
	LedgerBackend *string `json:"ledger_backend,omitempty" yaml:"ledger_backend,omitempty"` // "sqlite" or "webapp"
	LedgerDBPath  *string `json:"ledger_db_path,omitempty" yaml:"ledger_db_path,omitempty"`
	NotifyChannel *string `json:"notify_channel,omitempty" yaml:"notify_channel,omitempty"`

	// Service surface
	Listen           *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	GRPCListen       *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	RuntimeStatePath *string `json:"runtime_state_path,omitempty" yaml:"runtime_state_path,omitempty"`
	ControlFile      *string `json:"control_file,omitempty" yaml:"control_file,omitempty"`
	ShutdownTimeout  *string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// Empty returns a Config with all fields unset, i.e. all defaults.
func Empty() *Config {
	return &Config{}
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Load reads a Config from a .json, .yaml or .yml file and validates it.
// Fields omitted from the file retain their default values.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, v...))
}

// Validate checks that every set field holds a usable value.
func (c *Config) Validate() error {
	fractions := map[string]*float64{
		"confidence_threshold": c.ConfidenceThreshold,
		"debug_confidence":     c.DebugConfidence,
		"min_area_fraction":    c.MinAreaFraction,
	}
	for name, v := range fractions {
		if v != nil && (*v < 0 || *v > 1) {
			return invalid("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	durations := map[string]*string{
		"individual_cooldown":  c.IndividualCooldown,
		"min_crossing_time":    c.MinCrossingTime,
		"global_cooldown":      c.GlobalCooldown,
		"position_history_ttl": c.PositionHistoryTTL,
		"track_ttl":            c.TrackTTL,
		"inactivity_timeout":   c.InactivityTimeout,
		"rescan_confirm":       c.RescanConfirm,
		"rescan_ignore":        c.RescanIgnore,
		"sync_timeout":         c.SyncTimeout,
		"max_age":              c.MaxAge,
		"retry_interval":       c.RetryInterval,
		"breaker_reset":        c.BreakerReset,
		"read_timeout":         c.ReadTimeout,
		"reconnect_silence":    c.ReconnectSilence,
		"watchdog_timeout":     c.WatchdogTimeout,
		"backoff_initial":      c.BackoffInitial,
		"backoff_max":          c.BackoffMax,
		"scan_debounce":        c.ScanDebounce,
		"shutdown_timeout":     c.ShutdownTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return invalid("%s %q: %v", name, *v, err)
		}
		if d < 0 {
			return invalid("%s must not be negative, got %s", name, *v)
		}
	}

	positives := map[string]*int{
		"min_persistence":   c.MinPersistence,
		"queue_capacity":    c.QueueCapacity,
		"retry_batch":       c.RetryBatch,
		"breaker_threshold": c.BreakerThreshold,
		"max_read_failures": c.MaxReadFailures,
		"scan_queue_size":   c.ScanQueueSize,
	}
	for name, v := range positives {
		if v != nil && *v < 1 {
			return invalid("%s must be at least 1, got %d", name, *v)
		}
	}

	if c.FrameQueueSize != nil && (*c.FrameQueueSize < 1 || *c.FrameQueueSize > 4) {
		return invalid("frame_queue_size must be between 1 and 4, got %d", *c.FrameQueueSize)
	}
	if c.MinCrossingDistance != nil && *c.MinCrossingDistance < 0 {
		return invalid("min_crossing_distance must be non-negative, got %f", *c.MinCrossingDistance)
	}

	for name, v := range map[string]*string{"forward_counter": c.ForwardCounter, "backward_counter": c.BackwardCounter} {
		if v != nil && *v != "loading" && *v != "rehab" {
			return invalid("%s must be \"loading\" or \"rehab\", got %q", name, *v)
		}
	}
	if c.GetForwardCounter() == c.GetBackwardCounter() {
		return invalid("forward_counter and backward_counter must map to opposite counters")
	}

	if c.SessionMode != nil && *c.SessionMode != "scan" && *c.SessionMode != "auto" {
		return invalid("session_mode must be \"scan\" or \"auto\", got %q", *c.SessionMode)
	}
	if c.CaptureSource != nil && *c.CaptureSource != "udp" && *c.CaptureSource != "pcap" {
		return invalid("capture_source must be \"udp\" or \"pcap\", got %q", *c.CaptureSource)
	}
	if c.GetCaptureSource() == "pcap" && c.GetPCAPFile() == "" {
		return invalid("capture_source \"pcap\" requires pcap_file")
	}
	if c.LedgerBackend != nil && *c.LedgerBackend != "sqlite" && *c.LedgerBackend != "webapp" {
		return invalid("ledger_backend must be \"sqlite\" or \"webapp\", got %q", *c.LedgerBackend)
	}
	if c.OperationalDayStart != nil {
		if _, err := time.Parse("15:04", *c.OperationalDayStart); err != nil {
			return invalid("operational_day_start %q must be HH:MM", *c.OperationalDayStart)
		}
	}
	if c.Timezone != nil {
		if _, err := time.LoadLocation(*c.Timezone); err != nil {
			return invalid("timezone %q: %v", *c.Timezone, err)
		}
	}
	if c.GetBackoffInitial() > c.GetBackoffMax() {
		return invalid("backoff_initial must not exceed backoff_max")
	}
	if c.GetReconnectSilence() >= c.GetWatchdogTimeout() {
		return invalid("reconnect_silence must be shorter than watchdog_timeout")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func (c *Config) GetConfidenceThreshold() float64 { return floatOr(c.ConfidenceThreshold, 0.25) }
func (c *Config) GetDebugConfidence() float64     { return floatOr(c.DebugConfidence, 0.05) }
func (c *Config) GetMinAreaFraction() float64     { return floatOr(c.MinAreaFraction, 0.001) }
func (c *Config) GetMinPersistence() int          { return intOr(c.MinPersistence, 1) }
func (c *Config) GetForwardCounter() string       { return stringOr(c.ForwardCounter, "rehab") }
func (c *Config) GetBackwardCounter() string      { return stringOr(c.BackwardCounter, "loading") }

// GetClearOnCount defaults to true: a counted track must leave and re-enter
// an outer band before it can count again.
func (c *Config) GetClearOnCount() bool {
	if c.ClearOnCount == nil {
		return true
	}
	return *c.ClearOnCount
}

func (c *Config) GetIndividualCooldown() time.Duration {
	return durationOr(c.IndividualCooldown, 2*time.Second)
}
func (c *Config) GetMinCrossingTime() time.Duration {
	return durationOr(c.MinCrossingTime, 1500*time.Millisecond)
}
func (c *Config) GetMinCrossingDistance() float64 { return floatOr(c.MinCrossingDistance, 30) }
func (c *Config) GetGlobalCooldown() time.Duration {
	return durationOr(c.GlobalCooldown, 200*time.Millisecond)
}
func (c *Config) GetPositionHistoryTTL() time.Duration {
	return durationOr(c.PositionHistoryTTL, 5*time.Second)
}
func (c *Config) GetTrackTTL() time.Duration { return durationOr(c.TrackTTL, 30*time.Second) }

func (c *Config) GetSessionMode() string { return stringOr(c.SessionMode, "scan") }
func (c *Config) GetInactivityTimeout() time.Duration {
	return durationOr(c.InactivityTimeout, 600*time.Second)
}
func (c *Config) GetRescanConfirm() time.Duration { return durationOr(c.RescanConfirm, 60*time.Second) }
func (c *Config) GetRescanIgnore() time.Duration  { return durationOr(c.RescanIgnore, 5*time.Second) }
func (c *Config) GetFinishSentinel() string       { return stringOr(c.FinishSentinel, "FINISH") }
func (c *Config) GetUnknownIdentifier() string    { return stringOr(c.UnknownIdentifier, "UNKNOWN") }

// GetOperationalDayStart returns the offset from midnight at which the
// operational day begins. Rows created before it belong to the previous day.
func (c *Config) GetOperationalDayStart() time.Duration {
	if c.OperationalDayStart == nil {
		return 4 * time.Hour
	}
	t, err := time.Parse("15:04", *c.OperationalDayStart)
	if err != nil {
		return 4 * time.Hour
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

// GetLocation returns the configured timezone, or time.Local.
func (c *Config) GetLocation() *time.Location {
	if c.Timezone == nil {
		return time.Local
	}
	loc, err := time.LoadLocation(*c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) GetSyncTimeout() time.Duration   { return durationOr(c.SyncTimeout, 5*time.Second) }
func (c *Config) GetQueueCapacity() int           { return intOr(c.QueueCapacity, 100) }
func (c *Config) GetMaxAge() time.Duration        { return durationOr(c.MaxAge, 300*time.Second) }
func (c *Config) GetRetryBatch() int              { return intOr(c.RetryBatch, 3) }
func (c *Config) GetRetryInterval() time.Duration { return durationOr(c.RetryInterval, 10*time.Second) }
func (c *Config) GetBreakerThreshold() int        { return intOr(c.BreakerThreshold, 5) }
func (c *Config) GetBreakerReset() time.Duration  { return durationOr(c.BreakerReset, 30*time.Second) }

func (c *Config) GetCaptureSource() string  { return stringOr(c.CaptureSource, "udp") }
func (c *Config) GetCaptureAddress() string { return stringOr(c.CaptureAddress, ":9400") }
func (c *Config) GetPCAPFile() string       { return stringOr(c.PCAPFile, "") }
func (c *Config) GetPCAPPort() int          { return intOr(c.PCAPPort, 9400) }
func (c *Config) GetFrameQueueSize() int    { return intOr(c.FrameQueueSize, 2) }
func (c *Config) GetMaxReadFailures() int   { return intOr(c.MaxReadFailures, 5) }
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 3*time.Second)
}
func (c *Config) GetReconnectSilence() time.Duration {
	return durationOr(c.ReconnectSilence, 20*time.Second)
}
func (c *Config) GetWatchdogTimeout() time.Duration {
	return durationOr(c.WatchdogTimeout, 60*time.Second)
}
func (c *Config) GetBackoffInitial() time.Duration { return durationOr(c.BackoffInitial, time.Second) }
func (c *Config) GetBackoffMax() time.Duration     { return durationOr(c.BackoffMax, 30*time.Second) }

func (c *Config) GetScannerPort() string         { return stringOr(c.ScannerPort, "") }
func (c *Config) GetScannerBaudRate() int        { return intOr(c.ScannerBaudRate, 9600) }
func (c *Config) GetScanDebounce() time.Duration { return durationOr(c.ScanDebounce, time.Second) }
func (c *Config) GetScanQueueSize() int          { return intOr(c.ScanQueueSize, 16) }
func (c *Config) GetLedgerBackend() string       { return stringOr(c.LedgerBackend, "sqlite") }
func (c *Config) GetLedgerDBPath() string        { return stringOr(c.LedgerDBPath, "ledger.db") }
func (c *Config) GetNotifyChannel() string       { return stringOr(c.NotifyChannel, "") }
func (c *Config) GetListen() string              { return stringOr(c.Listen, ":8080") }
func (c *Config) GetGRPCListen() string          { return stringOr(c.GRPCListen, "") }
func (c *Config) GetRuntimeStatePath() string {
	return stringOr(c.RuntimeStatePath, "runtime_state.json")
}
func (c *Config) GetControlFile() string { return stringOr(c.ControlFile, "") }
func (c *Config) GetShutdownTimeout() time.Duration {
	return durationOr(c.ShutdownTimeout, 5*time.Second)
}
