package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. Zero values are filled from
// Default; a YAML file and environment variables override it.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Cache struct {
		DefaultTTL    string `yaml:"defaultTTL"`
		LongTTL       string `yaml:"longTTL"`
		RichThreshold int    `yaml:"richThreshold"`
		defaultTTLDur time.Duration
		longTTLDur    time.Duration
	} `yaml:"cache"`

	Proxy struct {
		Sources         []string `yaml:"sources"`
		RefreshInterval string   `yaml:"refreshInterval"`
		ProbeURL        string   `yaml:"probeURL"`
		ProbeTimeout    string   `yaml:"probeTimeout"`
		ProbeLimit      int      `yaml:"probeLimit"`
		refreshDur      time.Duration
		probeTimeoutDur time.Duration
	} `yaml:"proxy"`

	Extractor struct {
		Path           string `yaml:"path"`
		AttemptTimeout string `yaml:"attemptTimeout"`
		MaxRetries     int    `yaml:"maxRetries"`
		RetryBackoff   string `yaml:"retryBackoff"`
		attemptDur     time.Duration
		backoffDur     time.Duration
	} `yaml:"extractor"`

	Merge struct {
		FFmpegPath string `yaml:"ffmpegPath"`
		ScratchDir string `yaml:"scratchDir"`
		Timeout    string `yaml:"timeout"`
		timeoutDur time.Duration
	} `yaml:"merge"`

	Workers int `yaml:"workers"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8000"
	cfg.Cache.DefaultTTL = "30m"
	cfg.Cache.LongTTL = "4h"
	cfg.Cache.RichThreshold = 12
	cfg.Proxy.Sources = []string{
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		"https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=5000",
	}
	cfg.Proxy.RefreshInterval = "10m"
	cfg.Proxy.ProbeURL = "https://www.google.com/generate_204"
	cfg.Proxy.ProbeTimeout = "5s"
	cfg.Proxy.ProbeLimit = 10
	cfg.Extractor.Path = "yt-dlp"
	cfg.Extractor.AttemptTimeout = "60s"
	cfg.Extractor.MaxRetries = 5
	cfg.Extractor.RetryBackoff = "2s"
	cfg.Merge.FFmpegPath = "ffmpeg"
	cfg.Merge.ScratchDir = os.TempDir()
	cfg.Merge.Timeout = "10m"
	cfg.Workers = defaultWorkers()
	return cfg
}

func defaultWorkers() int {
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

// Load reads the YAML file at path (optional, empty path skips the file),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		cfg.Merge.FFmpegPath = v
	}
	if v := os.Getenv("YTDLP_PATH"); v != "" {
		cfg.Extractor.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
}

func (c *Config) compile() error {
	var err error
	parse := func(field, raw string, dst *time.Duration) {
		if err != nil {
			return
		}
		d, perr := time.ParseDuration(raw)
		if perr != nil {
			err = fmt.Errorf("%s: %w", field, perr)
			return
		}
		if d <= 0 {
			err = fmt.Errorf("%s: must be positive, got %s", field, raw)
			return
		}
		*dst = d
	}
	parse("cache.defaultTTL", c.Cache.DefaultTTL, &c.Cache.defaultTTLDur)
	parse("cache.longTTL", c.Cache.LongTTL, &c.Cache.longTTLDur)
	parse("proxy.refreshInterval", c.Proxy.RefreshInterval, &c.Proxy.refreshDur)
	parse("proxy.probeTimeout", c.Proxy.ProbeTimeout, &c.Proxy.probeTimeoutDur)
	parse("extractor.attemptTimeout", c.Extractor.AttemptTimeout, &c.Extractor.attemptDur)
	parse("extractor.retryBackoff", c.Extractor.RetryBackoff, &c.Extractor.backoffDur)
	parse("merge.timeout", c.Merge.Timeout, &c.Merge.timeoutDur)
	if err != nil {
		return err
	}
	if c.Cache.RichThreshold < 1 {
		return fmt.Errorf("cache.richThreshold: must be at least 1, got %d", c.Cache.RichThreshold)
	}
	if c.Extractor.MaxRetries < 1 {
		return fmt.Errorf("extractor.maxRetries: must be at least 1, got %d", c.Extractor.MaxRetries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers: must be at least 1, got %d", c.Workers)
	}
	if !strings.Contains(c.Server.Addr, ":") {
		return fmt.Errorf("server.addr: missing port in %q", c.Server.Addr)
	}
	for i, s := range c.Proxy.Sources {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("proxy.sources[%d]: empty source URL", i)
		}
	}
	return nil
}

// DefaultTTL returns the parsed default cache TTL.
func (c Config) DefaultTTL() time.Duration { return c.Cache.defaultTTLDur }

// LongTTL returns the parsed rich-result cache TTL.
func (c Config) LongTTL() time.Duration { return c.Cache.longTTLDur }

// RefreshInterval returns the parsed proxy refresh interval.
func (c Config) RefreshInterval() time.Duration { return c.Proxy.refreshDur }

// ProbeTimeout returns the parsed proxy probe timeout.
func (c Config) ProbeTimeout() time.Duration { return c.Proxy.probeTimeoutDur }

// AttemptTimeout returns the parsed per-attempt extraction ceiling.
func (c Config) AttemptTimeout() time.Duration { return c.Extractor.attemptDur }

// RetryBackoff returns the parsed inter-attempt backoff.
func (c Config) RetryBackoff() time.Duration { return c.Extractor.backoffDur }

// MergeTimeout returns the parsed download-and-mux wall-clock ceiling.
func (c Config) MergeTimeout() time.Duration { return c.Merge.timeoutDur }
