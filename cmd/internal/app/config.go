package app

import (
	"fmt"
	"time"

	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/presence"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DeviceName     string
	DeviceCapacity int
	InitialShift   int

	ControlSocket string

	PresenceMode     string
	SysfsRoot        string
	PresenceInterval time.Duration
	PresenceTable    []string

	DatabaseURL     string
	JournalPoolSize int32
	JournalSchema   string
	JournalSize     int
	JournalQueue    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	WSMaxFrameBytes     int
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeat         time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
	WSAllowedOrigins    []string
	WSOriginRequired    bool
	WSInsecureSkipCheck bool

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("USBSTICK_HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:  EnvString("USBSTICK_LOG_LEVEL", "info"),
		LogFormat: EnvString("USBSTICK_LOG_FORMAT", "auto"),

		ReadHeaderTimeout: EnvDuration("USBSTICK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("USBSTICK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("USBSTICK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("USBSTICK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("USBSTICK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DeviceName:     EnvString("USBSTICK_DEVICE_NAME", device.DefaultName),
		DeviceCapacity: EnvIntAny("USBSTICK_CAPACITY", device.DefaultCapacity),
		InitialShift:   EnvIntAny("USBSTICK_INITIAL_SHIFT", 0),

		ControlSocket: EnvString("USBSTICK_CONTROL_SOCKET", "/tmp/usbstick.sock"),

		PresenceMode:     EnvString("USBSTICK_PRESENCE_MODE", string(presence.ModeAuto)),
		SysfsRoot:        EnvString("USBSTICK_SYSFS_ROOT", presence.DefaultSysfsRoot),
		PresenceInterval: EnvDuration("USBSTICK_PRESENCE_INTERVAL", presence.DefaultPollInterval),
		PresenceTable:    EnvCSV("USBSTICK_PRESENCE_TABLE"),

		DatabaseURL:     EnvString("USBSTICK_DATABASE_URL", ""),
		JournalPoolSize: EnvInt32("USBSTICK_JOURNAL_POOL_SIZE", defaultJournalPoolSize),
		JournalSchema:   EnvString("USBSTICK_JOURNAL_SCHEMA", "usbstick"),
		JournalSize:     EnvInt("USBSTICK_JOURNAL_SIZE", 4096),
		JournalQueue:    EnvInt("USBSTICK_JOURNAL_QUEUE", 256),

		ReadinessRequireDB: EnvBool("USBSTICK_READINESS_REQUIRE_DB", false),

		WSMaxFrameBytes:     EnvInt("USBSTICK_WS_MAX_FRAME_BYTES", 64<<10),
		WSSendQueue:         EnvInt("USBSTICK_WS_SEND_QUEUE", 64),
		WSWriteTimeout:      EnvDuration("USBSTICK_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("USBSTICK_WS_READ_IDLE_TIMEOUT", 0),
		WSHeartbeat:         EnvDuration("USBSTICK_WS_HEARTBEAT", 25*time.Second),
		WSRateEvents:        EnvInt("USBSTICK_WS_RATE_EVENTS", 240),
		WSRateWindow:        EnvDuration("USBSTICK_WS_RATE_WINDOW", 10*time.Second),
		WSAllowedOrigins:    EnvCSV("USBSTICK_WS_ALLOWED_ORIGINS"),
		WSOriginRequired:    EnvBool("USBSTICK_WS_ORIGIN_REQUIRED", false),
		WSInsecureSkipCheck: EnvBool("USBSTICK_WS_INSECURE_SKIP_VERIFY", false),

		MetricsEnabled: EnvBool("USBSTICK_METRICS_ENABLED", true),
	}
}

// Validate rejects configurations the daemon must not start with.
func (c Config) Validate() error {
	if c.DeviceCapacity <= 0 {
		return fmt.Errorf("%w: USBSTICK_CAPACITY must be positive, got %d", device.ErrConfig, c.DeviceCapacity)
	}
	if _, err := presence.ParseMode(c.PresenceMode); err != nil {
		return fmt.Errorf("%w: %v", device.ErrConfig, err)
	}
	if _, err := presence.ParseTable(c.PresenceTable); err != nil {
		return fmt.Errorf("%w: USBSTICK_PRESENCE_TABLE: %v", device.ErrConfig, err)
	}
	if _, err := parseLogFormat(c.LogFormat); err != nil {
		return fmt.Errorf("%w: %v", device.ErrConfig, err)
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return fmt.Errorf("%w: USBSTICK_READINESS_REQUIRE_DB=true but USBSTICK_DATABASE_URL is empty", device.ErrConfig)
	}
	return nil
}
