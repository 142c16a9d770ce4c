// Package config turns flags, environment variables and an optional .env file
// into the per-component settings the server is built from.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/shehryarbajwa/browserhub/internal/automation"
	"github.com/shehryarbajwa/browserhub/internal/events"
	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/proxy"
	"github.com/shehryarbajwa/browserhub/internal/queue"
	"github.com/shehryarbajwa/browserhub/internal/region"
	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/internal/store"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Config is the full server configuration
type Config struct {
	Addr     string `help:"HTTP listen address." default:":8080" env:"ADDR"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL" enum:"debug,info,warn,error"`

	Store   StoreConfig   `embed:"" prefix:"store-" envprefix:"STORE_"`
	Lock    LockConfig    `embed:"" prefix:"lock-" envprefix:"LOCK_"`
	Session SessionConfig `embed:"" prefix:"session-" envprefix:"SESSION_"`
	Browser BrowserConfig `embed:"" prefix:"browser-" envprefix:"BROWSER_"`
	Queue   QueueConfig   `embed:"" prefix:"queue-" envprefix:"QUEUE_"`
	Events  EventsConfig  `embed:"" prefix:"events-" envprefix:"EVENTS_"`
	Proxy   ProxyConfig   `embed:"" prefix:"liveview-" envprefix:"LIVEVIEW_"`
	Rate    RateConfig    `embed:"" prefix:"rate-" envprefix:"RATE_"`

	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests and workers on shutdown." default:"15s" env:"SHUTDOWN_TIMEOUT"`
}

type StoreConfig struct {
	URL           string        `help:"Redis URL of the shared store." default:"redis://localhost:6379/0" env:"URL"`
	DialTimeout   time.Duration `help:"Store dial timeout." default:"5s" env:"DIAL_TIMEOUT"`
	UpdateRetries int           `help:"Optimistic update retries before giving up." default:"10" env:"UPDATE_RETRIES"`
}

type LockConfig struct {
	TTL          time.Duration `help:"Creation lock TTL; must outlive a browser launch." default:"60s" env:"TTL"`
	MaxWait      time.Duration `help:"How long to wait for the creation lock." default:"30s" env:"MAX_WAIT"`
	PollInterval time.Duration `help:"Creation lock poll interval." default:"250ms" env:"POLL_INTERVAL"`
}

type SessionConfig struct {
	IdleTimeout        time.Duration `help:"Expire sessions with no agent activity for this long." default:"10m" env:"IDLE_TIMEOUT"`
	ExpireWhileViewing bool          `help:"Expire idle sessions even while a viewer is attached." default:"true" env:"EXPIRE_WHILE_VIEWING" negatable:""`
	HeartbeatTimeout   time.Duration `help:"Viewer heartbeats older than this are stale." default:"45s" env:"HEARTBEAT_TIMEOUT"`
	EntryTTL           time.Duration `help:"Store TTL of a session entry, refreshed on every touch." default:"1h" env:"ENTRY_TTL"`
	PendingTTL         time.Duration `help:"Store TTL of a pending creation marker." default:"2m" env:"PENDING_TTL"`
	PendingWait        time.Duration `help:"How long readers wait for a pending creation." default:"45s" env:"PENDING_WAIT"`
	PendingPoll        time.Duration `help:"Pending creation poll interval." default:"500ms" env:"PENDING_POLL"`
	MaxProvisions      int64         `help:"Concurrent browser launches per process." default:"10" env:"MAX_PROVISIONS"`
	TeardownTimeout    time.Duration `help:"Timeout for a vendor delete." default:"30s" env:"TEARDOWN_TIMEOUT"`
	SweepInterval      time.Duration `help:"Janitor interval; 0 disables it." default:"1m" env:"SWEEP_INTERVAL"`
	DefaultWidth       int           `help:"Default viewport width." default:"1280" env:"DEFAULT_WIDTH"`
	DefaultHeight      int           `help:"Default viewport height." default:"800" env:"DEFAULT_HEIGHT"`
	DefaultTimeout     int           `help:"Default browser lifetime in seconds." default:"3600" env:"DEFAULT_TIMEOUT_SECONDS"`
}

type BrowserConfig struct {
	Image           string        `help:"Browser container image." default:"browserless/chrome:latest" env:"IMAGE"`
	PublishHost     string        `help:"Host name clients use to reach published browser ports; the daemon itself comes from DOCKER_HOST." default:"localhost" env:"PUBLISH_HOST"`
	Regions         []string      `help:"Regions to run browser pools in; the first is the fallback." default:"us-west-2,us-east-1,eu-central-1" env:"REGIONS"`
	SkipImagePull   bool          `help:"Don't pull the browser image at startup." env:"SKIP_IMAGE_PULL"`
	ActionTimeout   time.Duration `help:"Timeout for a single page action." default:"30s" env:"ACTION_TIMEOUT"`
	NavigateTimeout time.Duration `help:"Timeout for page navigation." default:"45s" env:"NAVIGATE_TIMEOUT"`
	MaxTextLength   int           `help:"Truncate text command output to this many bytes." default:"8000" env:"MAX_TEXT_LENGTH"`
}

type QueueConfig struct {
	PollInterval   time.Duration `help:"Worker and result poll interval." default:"250ms" env:"POLL_INTERVAL"`
	ResultTimeout  time.Duration `help:"How long a synchronous submit waits for its result." default:"5m" env:"RESULT_TIMEOUT"`
	CommandTimeout time.Duration `help:"Maximum run time of a single command." default:"3m" env:"COMMAND_TIMEOUT"`
	IdleExit       time.Duration `help:"Worker exits after this long without commands." default:"30s" env:"IDLE_EXIT"`
	LeaseTTL       time.Duration `help:"Worker lease TTL." default:"30s" env:"LEASE_TTL"`
	StopPoll       time.Duration `help:"How often a running command checks for a stop request." default:"500ms" env:"STOP_POLL"`
	StopTTL        time.Duration `help:"How long a stop request is remembered." default:"10m" env:"STOP_TTL"`
	StreamMaxLen   int64         `help:"Approximate max entries kept per stream." default:"1000" env:"STREAM_MAX_LEN"`
	StreamTTL      time.Duration `help:"Streams expire after this long without writes." default:"24h" env:"STREAM_TTL"`
}

type EventsConfig struct {
	PollInterval time.Duration `help:"Event stream poll interval." default:"500ms" env:"POLL_INTERVAL"`
	MaxDuration  time.Duration `help:"Event streams end with a timeout event after this long." default:"5m" env:"MAX_DURATION"`
	KeepAlive    time.Duration `help:"Keep-alive comment interval." default:"15s" env:"KEEPALIVE"`
	BatchSize    int64         `help:"Events read per poll." default:"100" env:"BATCH_SIZE"`
	RetryHint    time.Duration `help:"Reconnect delay suggested to clients." default:"1s" env:"RETRY_HINT"`
}

type ProxyConfig struct {
	HeartbeatInterval time.Duration `help:"Viewer heartbeat interval while proxying." default:"15s" env:"HEARTBEAT_INTERVAL"`
	DialTimeout       time.Duration `help:"Timeout for dialing the browser." default:"10s" env:"DIAL_TIMEOUT"`
}

type RateConfig struct {
	PerHour int `help:"Create and command requests allowed per user per hour; 0 disables limiting." default:"600" env:"PER_HOUR"`
	Burst   int `help:"Burst size for the per-user limit." default:"20" env:"BURST"`
}

// Load reads .env if present and parses args (usually os.Args[1:]) and the environment
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	parser, err := kong.New(&cfg,
		kong.Name("browserhub"),
		kong.Description("Coordinates remote browser sessions across server processes."),
		kong.UsageOnError(),
	)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	if strings.Contains(cfg.Browser.PublishHost, "://") {
		return nil, fmt.Errorf("browser publish host %q must be a bare host name, not a URL", cfg.Browser.PublishHost)
	}
	return &cfg, nil
}

func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	return cfg
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		URL:           c.Store.URL,
		DialTimeout:   c.Store.DialTimeout,
		UpdateRetries: c.Store.UpdateRetries,
	}
}

func (c *Config) LockConfig() lock.Config {
	return lock.Config{
		TTL:          c.Lock.TTL,
		MaxWait:      c.Lock.MaxWait,
		PollInterval: c.Lock.PollInterval,
	}
}

func (c *Config) SessionConfig() session.Config {
	s := c.Session
	return session.Config{
		IdleTimeout:             s.IdleTimeout,
		ExpireWhileViewing:      s.ExpireWhileViewing,
		HeartbeatTimeout:        s.HeartbeatTimeout,
		EntryTTL:                s.EntryTTL,
		PendingTTL:              s.PendingTTL,
		PendingWait:             s.PendingWait,
		PendingPoll:             s.PendingPoll,
		MaxConcurrentProvisions: s.MaxProvisions,
		TeardownTimeout:         s.TeardownTimeout,
		SweepInterval:           s.SweepInterval,
		DefaultOptions: models.CreateOptions{
			Viewport:       models.Viewport{Width: s.DefaultWidth, Height: s.DefaultHeight},
			TimeoutSeconds: s.DefaultTimeout,
		},
	}
}

// Regions returns the configured regions, trimmed and without blanks
func (c *Config) Regions() []region.Region {
	var out []region.Region
	for _, r := range c.Browser.Regions {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, region.Region(r))
		}
	}
	return out
}

func (c *Config) AutomationConfig() automation.Config {
	cfg := automation.DefaultConfig()
	cfg.ActionTimeout = c.Browser.ActionTimeout
	cfg.NavigateTimeout = c.Browser.NavigateTimeout
	cfg.MaxTextLength = c.Browser.MaxTextLength
	return cfg
}

func (c *Config) QueueConfig() queue.Config {
	q := c.Queue
	return queue.Config{
		PollInterval:   q.PollInterval,
		ResultTimeout:  q.ResultTimeout,
		CommandTimeout: q.CommandTimeout,
		IdleExit:       q.IdleExit,
		LeaseTTL:       q.LeaseTTL,
		StopPoll:       q.StopPoll,
		StopTTL:        q.StopTTL,
		StreamMaxLen:   q.StreamMaxLen,
		StreamTTL:      q.StreamTTL,
	}
}

func (c *Config) EventsConfig() events.Config {
	return events.Config{
		PollInterval: c.Events.PollInterval,
		MaxDuration:  c.Events.MaxDuration,
		KeepAlive:    c.Events.KeepAlive,
		BatchSize:    c.Events.BatchSize,
		RetryHint:    c.Events.RetryHint,
	}
}

func (c *Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		HeartbeatInterval: c.Proxy.HeartbeatInterval,
		DialTimeout:       c.Proxy.DialTimeout,
	}
}
