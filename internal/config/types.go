package config

// Config is the root genflow configuration.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	API     APIConfig     `json:"api"`

	Provider ProviderConfig `json:"provider"`
	Service  ServiceConfig  `json:"service"`

	Session   SessionConfig   `json:"session"`
	Broker    BrokerConfig    `json:"broker"`
	Poller    PollerConfig    `json:"poller"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// AutoRun optionally runs all pending jobs on a cron/interval schedule.
	AutoRun *AutoRunConfig `json:"auto_run,omitempty"`

	// Accounts imported into the account store at startup.
	// Existing records with the same id are replaced (whole-document).
	Accounts []AccountConfig `json:"accounts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer (account credentials,
// active-session records, run audit).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./genflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// APIConfig controls the local HTTP surface consumed by the UI collaborator.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8940"
}

// ProviderConfig locates the isolated browser-profile provider.
//
// The provider's local API port is discovered by probing PortFrom..PortTo
// on Host, with DiscoverAttempts rounds DiscoverDelay apart.
type ProviderConfig struct {
	Host             string `json:"host,omitempty"` // default: "127.0.0.1"
	PortFrom         int    `json:"port_from,omitempty"`
	PortTo           int    `json:"port_to,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
	DiscoverAttempts int    `json:"discover_attempts,omitempty"`
	DiscoverDelay    string `json:"discover_delay,omitempty"`
	RequestTimeout   string `json:"request_timeout,omitempty"`
}

// ServiceConfig points at the remote generation service.
type ServiceConfig struct {
	BaseURL        string `json:"base_url"`
	AuthSurfaceURL string `json:"auth_surface_url,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type SessionConfig struct {
	StartAttempts int    `json:"start_attempts,omitempty"` // default: 10
	StartDelay    string `json:"start_delay,omitempty"`    // default: "2s"
	ProbeTimeout  string `json:"probe_timeout,omitempty"`  // default: "5s"
}

type BrokerConfig struct {
	// StrategyTimeout bounds each token strategy attempt.
	StrategyTimeout string `json:"strategy_timeout,omitempty"` // default: "10s"
	// ChallengeTimeout bounds solving the anti-bot challenge token.
	ChallengeTimeout string `json:"challenge_timeout,omitempty"` // default: "30s"
}

type PollerConfig struct {
	MaxPolls     int    `json:"max_polls,omitempty"`     // default: 120
	Interval     string `json:"interval,omitempty"`      // default: "5s"
	RoundTimeout string `json:"round_timeout,omitempty"` // default: "30s"
}

type SchedulerConfig struct {
	// PickupDelay is the fixed delay between a worker's consecutive job
	// pickups, smoothing burst load on a single account's session.
	PickupDelay string `json:"pickup_delay,omitempty"` // default: "1s"
}

type AutoRunConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron spec or "@every 30m"
	Timezone string `json:"timezone,omitempty"`
}

// AccountConfig is an imported account. CookiesPath points at the exported
// credential material installed into fresh sessions; its format is owned by
// the credential store, not by the core.
type AccountConfig struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	Budget      int    `json:"budget,omitempty"` // concurrency budget, default: 1
	CookiesPath string `json:"cookies_path"`
}
