package core

// State is the lifecycle state of a Runtime
type State int32

const (
	StateCreated        State = iota // Constructed, Run not called yet
	StateAuthenticating              // Handshake in progress
	StateRunning                     // Receive loop active
	StateStopped                     // Loop exited; the runtime cannot be restarted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config represents the complete miraibot configuration structure
type Config struct {
	Bot           BotConfig           `yaml:"bot"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Pool          PoolConfig          `yaml:"pool"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Filters       FiltersConfig       `yaml:"filters"`
	MetricsServer MetricsServerConfig `yaml:"metrics_server"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// BotConfig identifies the bot account
type BotConfig struct {
	QQ         int64  `yaml:"qq"          env:"MIRAIBOT_BOT_QQ"`
	VerifyKey  string `yaml:"verify_key"  env:"MIRAIBOT_BOT_VERIFY_KEY"`
	SessionKey string `yaml:"session_key" env:"MIRAIBOT_BOT_SESSION_KEY"` // Pre-established session; skips the handshake
}

// GatewayConfig locates the mirai-api-http plugin
type GatewayConfig struct {
	Adapter        string `yaml:"adapter"         env:"MIRAIBOT_GATEWAY_ADAPTER"` // http or ws
	Host           string `yaml:"host"            env:"MIRAIBOT_GATEWAY_HOST"`
	Port           int    `yaml:"port"            env:"MIRAIBOT_GATEWAY_PORT"`
	RequestTimeout string `yaml:"request_timeout" env:"MIRAIBOT_GATEWAY_REQUEST_TIMEOUT"`
}

// RuntimeConfig tunes the receive loop
type RuntimeConfig struct {
	Tick           string `yaml:"tick"            env:"MIRAIBOT_RUNTIME_TICK"`
	FetchCount     int    `yaml:"fetch_count"     env:"MIRAIBOT_RUNTIME_FETCH_COUNT"`
	CommandTimeout string `yaml:"command_timeout" env:"MIRAIBOT_RUNTIME_COMMAND_TIMEOUT"` // Empty or 0 waits for the reply forever
}

// PoolConfig sizes the handler worker pool
type PoolConfig struct {
	CoreSize    int    `yaml:"core_size"    env:"MIRAIBOT_POOL_CORE_SIZE"`
	MaxSize     int    `yaml:"max_size"     env:"MIRAIBOT_POOL_MAX_SIZE"`
	IdleTimeout string `yaml:"idle_timeout" env:"MIRAIBOT_POOL_IDLE_TIMEOUT"`
}

// SchedulerConfig tunes the job scheduler
type SchedulerConfig struct {
	StaleWindow string `yaml:"stale_window" env:"MIRAIBOT_SCHEDULER_STALE_WINDOW"` // Default: one tick
}

// FiltersConfig enables the built-in filters. An empty file path disables
// the filter.
type FiltersConfig struct {
	GroupSwitchFile string  `yaml:"group_switch_file" env:"MIRAIBOT_FILTERS_GROUP_SWITCH_FILE"`
	BlacklistFile   string  `yaml:"blacklist_file"    env:"MIRAIBOT_FILTERS_BLACKLIST_FILE"`
	Admins          []int64 `yaml:"admins"            env:"MIRAIBOT_FILTERS_ADMINS"` // QQ ids allowed to use filter controls
}

// MetricsServerConfig represents the Prometheus endpoint. Port 0 disables it.
type MetricsServerConfig struct {
	Port int `yaml:"port" env:"MIRAIBOT_METRICS_PORT"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"         env:"MIRAIBOT_LOG_LEVEL"` // debug, info, warn, error
	File         string `yaml:"file"          env:"MIRAIBOT_LOG_FILE"`  // Log file path
	MaxSize      int    `yaml:"max_size"`                               // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`                            // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`                                // Maximum days to retain (default: 30)
	Compress     *bool  `yaml:"compress"`                               // Whether to compress old logs (default: true)
	EnableStdout *bool  `yaml:"enable_stdout"`                          // Also output to stdout (default: true)
}
