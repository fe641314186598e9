package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/flashr/internal/adapter"
	"github.com/loykin/flashr/internal/device"
	"github.com/loykin/flashr/internal/logger"
	"github.com/loykin/flashr/internal/ocd"
	"github.com/loykin/flashr/internal/probe"
	"github.com/loykin/flashr/internal/supervisor"
	itls "github.com/loykin/flashr/internal/tls"
)

// EnvPrefix prefixes environment overrides: FLASHR_ADAPTER_SPEED=1000.
const EnvPrefix = "FLASHR"

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "flashr.toml"

// Config is the top-level TOML structure.
type Config struct {
	Adapter adapter.Config `mapstructure:"adapter"`
	Ports   PortsConfig    `mapstructure:"ports"`
	Run     RunConfig      `mapstructure:"run"`
	Probe   ProbeConfig    `mapstructure:"probe"`
	Device  DeviceConfig   `mapstructure:"device"`
	Flash   FlashConfig    `mapstructure:"flash"`
	Log     logger.Config  `mapstructure:"log"`
	History HistoryConfig  `mapstructure:"history"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Server  ServerConfig   `mapstructure:"server"`

	// File is the config file that was read, empty when only defaults and
	// environment were used.
	File string `mapstructure:"-"`
}

type PortsConfig struct {
	Host      string `mapstructure:"host"`
	Scripting int    `mapstructure:"scripting"`
	Status    int    `mapstructure:"status"`
}

type RunConfig struct {
	Dir          string        `mapstructure:"dir"`
	Name         string        `mapstructure:"name"`
	Log          string        `mapstructure:"log"` // adapter output
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ProbeConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	VendorID  uint16        `mapstructure:"vendor_id"`
	ProductID uint16        `mapstructure:"product_id"`
}

type DeviceConfig struct {
	device.Matcher `mapstructure:",squash"`
	Baud           int           `mapstructure:"baud"`
	Window         time.Duration `mapstructure:"window"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type FlashConfig struct {
	DefaultArtifact string `mapstructure:"default_artifact"`
	Marker          string `mapstructure:"marker"`
	ocd.Timeouts    `mapstructure:",squash"`
}

type HistoryConfig struct {
	DSN  string `mapstructure:"dsn"` // empty disables history
	Host string `mapstructure:"host"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type ServerConfig struct {
	Addr string      `mapstructure:"addr"`
	TLS  itls.Config `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter.binary", adapter.DefaultBinary)
	v.SetDefault("adapter.scripts_dir", "")
	v.SetDefault("adapter.interface", adapter.DefaultInterface)
	v.SetDefault("adapter.target", adapter.DefaultTarget)
	v.SetDefault("adapter.speed", adapter.DefaultSpeed)
	v.SetDefault("adapter.env", []string{})
	v.SetDefault("adapter.env_files", []string{})

	v.SetDefault("ports.host", "localhost")
	v.SetDefault("ports.scripting", supervisor.DefaultScriptingPort)
	v.SetDefault("ports.status", supervisor.DefaultStatusPort)

	v.SetDefault("run.dir", filepath.Join(".local", "run"))
	v.SetDefault("run.name", supervisor.DefaultName)
	v.SetDefault("run.log", filepath.Join("build", supervisor.DefaultName+".log"))
	v.SetDefault("run.start_timeout", supervisor.DefaultStartTimeout)
	v.SetDefault("run.stop_grace", supervisor.DefaultStopGrace)
	v.SetDefault("run.poll_interval", supervisor.DefaultPollInterval)

	v.SetDefault("probe.timeout", probe.DefaultTimeout)
	v.SetDefault("probe.vendor_id", probe.DefaultVendorID)
	v.SetDefault("probe.product_id", probe.DefaultProductID)

	m := device.DefaultMatcher()
	v.SetDefault("device.vendor_id", m.VendorID)
	v.SetDefault("device.product_ids", m.ProductIDs)
	v.SetDefault("device.name_contains", m.NameContains)
	v.SetDefault("device.name_excludes", m.NameExcludes)
	v.SetDefault("device.baud", device.DefaultBaud)
	v.SetDefault("device.window", device.DefaultWindow)
	v.SetDefault("device.poll_interval", device.DefaultPollInterval)
	v.SetDefault("device.timeout", 5*time.Second)

	t := ocd.DefaultTimeouts()
	v.SetDefault("flash.default_artifact", filepath.Join("build", "src", "firmware.elf"))
	v.SetDefault("flash.marker", ocd.VerifiedMarker)
	v.SetDefault("flash.dial", t.Dial)
	v.SetDefault("flash.banner_delay", t.BannerDelay)
	v.SetDefault("flash.banner", t.Banner)
	v.SetDefault("flash.halt", t.Halt)
	v.SetDefault("flash.program", t.Program)
	v.SetDefault("flash.post_marker", t.PostMarker)
	v.SetDefault("flash.resume", t.Resume)
	v.SetDefault("flash.attempt", t.Attempt)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", false)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.dsn", "")
	v.SetDefault("history.host", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.min_version", "")
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		// defaults are static; a failure here is a programming error
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads path (TOML) on top of the defaults, then applies FLASHR_*
// environment overrides. An empty path looks for ./flashr.toml and is not
// an error when that file is absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges. It does not touch the filesystem.
func (c *Config) Validate() error {
	var errs []error
	checkPort := func(name string, p int) {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s: port %d out of range", name, p))
		}
	}
	checkPort("ports.scripting", c.Ports.Scripting)
	checkPort("ports.status", c.Ports.Status)
	if c.Ports.Scripting == c.Ports.Status {
		errs = append(errs, fmt.Errorf("ports.scripting and ports.status must differ (both %d)", c.Ports.Status))
	}
	if c.Adapter.Speed <= 0 {
		errs = append(errs, fmt.Errorf("adapter.speed must be positive, got %d", c.Adapter.Speed))
	}
	if strings.TrimSpace(c.Run.Name) == "" || strings.ContainsAny(c.Run.Name, `/\`) {
		errs = append(errs, fmt.Errorf("run.name %q must be a plain file name", c.Run.Name))
	}
	if c.Device.Window < 0 || c.Device.PollInterval < 0 {
		errs = append(errs, errors.New("device.window and device.poll_interval must not be negative"))
	}
	switch strings.ToLower(c.Log.Slog.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Slog.Format))
	}
	return errors.Join(errs...)
}

// Supervisor converts the adapter sections into a supervisor configuration.
func (c *Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		Name:          c.Run.Name,
		RunDir:        c.Run.Dir,
		LogPath:       c.Run.Log,
		Host:          c.Ports.Host,
		ScriptingPort: c.Ports.Scripting,
		StatusPort:    c.Ports.Status,
		StartTimeout:  c.Run.StartTimeout,
		StopGrace:     c.Run.StopGrace,
		PollInterval:  c.Run.PollInterval,
		Adapter:       c.Adapter,
	}
}

// Stabilizer builds a device stabilizer from the [device] section.
func (c *Config) Stabilizer() *device.Stabilizer {
	s := device.NewStabilizer(c.Device.Matcher)
	s.Baud = c.Device.Baud
	s.Window = c.Device.Window
	s.PollInterval = c.Device.PollInterval
	return s
}

// Hostname is the history host label, defaulting to the machine name.
func (c *Config) Hostname() string {
	if c.History.Host != "" {
		return c.History.Host
	}
	h, _ := os.Hostname()
	return h
}
