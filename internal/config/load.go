package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/seq"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if strings.TrimSpace(u) == "" {
			d.Duration = 0
			return nil
		}
		dd, err := time.ParseDuration(u)
		if err != nil {
			return err
		}
		d.Duration = dd
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"5s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			IdleTimeout:       Duration{Duration: 2 * time.Minute},
			ShutdownTimeout:   Duration{Duration: 15 * time.Second},
			MaxRequestBytes:   10 << 20,
		},
		Backend: BackendConfig{
			Type: "mock",
			Head: "binding",
		},
		Analysis: AnalysisConfig{
			Steps:                    32,
			SubstitutionSymbol:       "A",
			ParatopeTopK:             15,
			EpitopeTopK:              10,
			ContactDistanceThreshold: 8.0,
			BlendingAlpha:            1.0,
			Workers:                  4,
			UnitTimeout:              Duration{Duration: 2 * time.Minute},
			MinStructureIdentity:     0.9,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file
// (EPILENS_CONFIG_PATH or ./config/config.json), and env overrides, then
// validates hard. Anything invalid fails here, before any component exists.
func Load() (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(os.Getenv("EPILENS_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "config.json")
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
			}
		}
	}

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, faults.Wrap(faults.KindConfig, "config.read", err)
		}
		var loaded Config
		if err := json.Unmarshal(b, &loaded); err != nil {
			return nil, faults.Wrap(faults.KindConfig, "config.parse", err)
		}
		*cfg = loaded
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOG_MODE")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_BACKEND_TYPE")); v != "" {
		cfg.Backend.Type = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_BACKEND_BASE_URL")); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_BACKEND_API_KEY")); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_HEAD")); v != "" {
		cfg.Backend.Head = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_STEPS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.Steps = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_REDIS_ADDR")); v != "" {
		cfg.Cache.Enabled = true
		cfg.Cache.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("EPILENS_STORE_DSN")); v != "" {
		cfg.Store.DSN = v
	}
}

// Validate enforces the closed backend set and the numeric ranges every
// downstream component assumes.
func (c *Config) Validate() error {
	if c.Env == "" {
		c.Env = "development"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.MaxRequestBytes <= 0 {
		c.HTTP.MaxRequestBytes = 10 << 20
	}

	b := &c.Backend
	b.Type = strings.ToLower(strings.TrimSpace(b.Type))
	b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
	if strings.TrimSpace(b.Head) == "" {
		return faults.Config("config.backend", "head is required")
	}
	switch b.Type {
	case "mock":
	case "remote":
		if b.BaseURL == "" {
			return faults.Config("config.backend", "remote backend missing base_url")
		}
		if b.Timeout.Duration <= 0 {
			b.Timeout = Duration{Duration: 60 * time.Second}
		}
		if b.MaxRetries < 0 {
			return faults.Config("config.backend", "invalid max_retries")
		}
		if b.MaxRetries == 0 {
			b.MaxRetries = 2
		}
	case "ort":
		if strings.TrimSpace(b.TokenizerPath) == "" {
			return faults.Config("config.backend", "ort backend missing tokenizer_path")
		}
		if strings.TrimSpace(b.EmbedModelPath) == "" || strings.TrimSpace(b.ScorerModelPath) == "" {
			return faults.Config("config.backend", "ort backend missing embed_model_path or scorer_model_path")
		}
		if len(b.Heads) == 0 {
			return faults.Config("config.backend", "ort backend must declare heads")
		}
	default:
		return faults.Config("config.backend", "unsupported backend type %q", b.Type)
	}

	a := &c.Analysis
	if a.Steps < 1 {
		return faults.Config("config.analysis", "steps must be >= 1 (got %d)", a.Steps)
	}
	sym := strings.ToUpper(strings.TrimSpace(a.SubstitutionSymbol))
	if len(sym) != 1 || !seq.ValidSymbol(sym[0]) {
		return faults.Config("config.analysis", "substitution_symbol %q must be one alphabet residue", a.SubstitutionSymbol)
	}
	a.SubstitutionSymbol = sym
	if a.ParatopeTopK < 1 || a.EpitopeTopK < 1 {
		return faults.Config("config.analysis", "paratope_top_k and epitope_top_k must be >= 1")
	}
	if a.ContactDistanceThreshold <= 0 {
		return faults.Config("config.analysis", "contact_distance_threshold must be positive")
	}
	if a.BlendingAlpha < 0 || a.BlendingAlpha > 1 {
		return faults.Config("config.analysis", "blending_alpha must be in [0,1] (got %v)", a.BlendingAlpha)
	}
	if a.Workers < 1 {
		return faults.Config("config.analysis", "workers must be >= 1 (got %d)", a.Workers)
	}
	if a.MinStructureIdentity <= 0 || a.MinStructureIdentity > 1 {
		return faults.Config("config.analysis", "min_structure_identity must be in (0,1]")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxEntries <= 0 {
			c.Cache.MaxEntries = 4096
		}
		if c.Cache.TTL.Duration <= 0 {
			c.Cache.TTL = Duration{Duration: 24 * time.Hour}
		}
	}
	return nil
}
