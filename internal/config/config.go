package config

import "time"

type Duration struct {
	Duration time.Duration
}

type HTTPConfig struct {
	Addr              string   `json:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
}

type BackendConfig struct {
	// Type selects the predictor adapter: "mock", "remote", or "ort".
	Type string `json:"type"`

	// Head is the prediction head every analysis in this deployment reads.
	// Resolved against the backend's head list once at startup.
	Head string `json:"head"`

	// Remote model server ("remote" backends).
	BaseURL    string   `json:"base_url,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`

	// Local ONNX Runtime session ("ort" backends). The scorer graph must be
	// exported with embedding gradients as outputs.
	TokenizerPath   string   `json:"tokenizer_path,omitempty"`
	EmbedModelPath  string   `json:"embed_model_path,omitempty"`
	ScorerModelPath string   `json:"scorer_model_path,omitempty"`
	LibraryPath     string   `json:"library_path,omitempty"`
	Heads           []string `json:"heads,omitempty"`
}

type AnalysisConfig struct {
	// Steps is the number of interpolation points per attribution path.
	Steps int `json:"steps"`

	// SubstitutionSymbol is the residue written at perturbed positions.
	SubstitutionSymbol string `json:"substitution_symbol"`

	ParatopeTopK int `json:"paratope_top_k"`
	EpitopeTopK  int `json:"epitope_top_k"`

	// ContactDistanceThreshold is the heavy-atom distance in angstroms under
	// which two residues count as a structural contact.
	ContactDistanceThreshold float64 `json:"contact_distance_threshold"`

	// BlendingAlpha weights engine-derived importance against externally
	// supplied importance when selecting mutation candidates. 1 means
	// engine-only.
	BlendingAlpha float64 `json:"blending_alpha"`

	// Workers bounds concurrent analysis units; scoring batches inside one
	// unit are sequential.
	Workers     int      `json:"workers"`
	UnitTimeout Duration `json:"unit_timeout"`

	// MinStructureIdentity is the sequence identity below which a structure
	// chain is left unmapped and its pairs reported unvalidated.
	MinStructureIdentity float64 `json:"min_structure_identity"`
}

type CacheConfig struct {
	Enabled    bool     `json:"enabled"`
	RedisAddr  string   `json:"redis_addr,omitempty"`
	TTL        Duration `json:"ttl,omitempty"`
	MaxEntries int      `json:"max_entries,omitempty"`
}

type StoreConfig struct {
	// DSN selects the artifact store. Empty disables persistence;
	// "file:..." or a path opens SQLite; "postgres://..." opens Postgres.
	DSN string `json:"dsn,omitempty"`
}

type Config struct {
	Env      string         `json:"env"`
	HTTP     HTTPConfig     `json:"http"`
	Backend  BackendConfig  `json:"backend"`
	Analysis AnalysisConfig `json:"analysis"`
	Cache    CacheConfig    `json:"cache"`
	Store    StoreConfig    `json:"store"`
}
