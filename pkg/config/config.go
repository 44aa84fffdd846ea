// Package config loads the daemon configuration from a yaml file with
// environment overrides. Flags parsed in main win over both.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Reindex struct {
		// Schedule is a cron expression for the periodic decrypt
		// re-attempt sweep. Empty disables the sweep.
		Schedule string `yaml:"schedule"`
	} `yaml:"reindex"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Load reads the config file at path (missing file yields defaults) and
// applies METAFEED_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./data"
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("METAFEED_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("METAFEED_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("METAFEED_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("METAFEED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("METAFEED_REINDEX_SCHEDULE"); v != "" {
		cfg.Reindex.Schedule = v
	}
}

// ParseCommandFlags registers and parses the daemon's command-line flags,
// returning the values and which flags were explicitly set.
func ParseCommandFlags() (addr, db, cfgPath string, set map[string]bool) {
	addrFlag := flag.String("addr", ":8080", "listen address")
	dbFlag := flag.String("db", "./data", "database path")
	cfgFlag := flag.String("config", "", "path to yaml config")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, set
}

// ResolveConfigPath picks the config file path: explicit flag wins, then
// env, then the conventional local file name.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := os.Getenv("METAFEED_CONFIG"); v != "" {
		return v
	}
	return "metafeed.yaml"
}
