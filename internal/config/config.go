// Package config loads the process configuration from CHRONOS_* environment
// variables, after an optional .env file.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/gcquraishi/chronosgraph/internal/util"
)

// Prefix is the environment prefix of every setting.
const Prefix = "CHRONOS"

// Store drivers.
const (
	DriverNeo4j    = "neo4j"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// AI providers.
const (
	AIProviderNone   = "none"
	AIProviderOpenAI = "openai"
	AIProviderOllama = "ollama"
)

// Config holds every setting of the CLI and the worker.
type Config struct {
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"neo4j"`
	StoreURL      string `envconfig:"STORE_URL"`
	StoreUser     string `envconfig:"STORE_USER"`
	StorePassword string `envconfig:"STORE_PASSWORD"`
	StoreDatabase string `envconfig:"STORE_DATABASE" default:"neo4j"`
	// LockURL is the PostgreSQL database holding lease locks. Empty
	// disables locking.
	LockURL string `envconfig:"LOCK_URL"`

	WikidataURL       string        `envconfig:"WIKIDATA_URL" default:"https://www.wikidata.org/w/api.php"`
	WikidataKey       string        `envconfig:"WIKIDATA_KEY"`
	WikidataUserAgent string        `envconfig:"WIKIDATA_USER_AGENT" default:"ChronosGraph/1.0 (https://github.com/gcquraishi/chronosgraph)"`
	WikidataTimeout   time.Duration `envconfig:"WIKIDATA_TIMEOUT" default:"60s"`
	AliasLanguages    []string      `envconfig:"ALIAS_LANGUAGES" default:"en,la,it,fr,de,es"`
	CacheSize         int           `envconfig:"CACHE_SIZE" default:"10000"`

	AgentID    string `envconfig:"AGENT_ID" default:"web-ui-generic"`
	AgentsFile string `envconfig:"AGENTS_FILE"`

	FuzzyThreshold     float64 `envconfig:"FUZZY_THRESHOLD" default:"0.85"`
	BirthYearTolerance int     `envconfig:"BIRTH_YEAR_TOLERANCE" default:"20"`

	AIProvider        string `envconfig:"AI_PROVIDER" default:"none"`
	AIURL             string `envconfig:"AI_URL"`
	AIKey             string `envconfig:"AI_KEY"`
	AIModel           string `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AIMaxConcurrent   int64  `envconfig:"AI_MAX_CONCURRENT" default:"2"`
	AIMaxPromptTokens int    `envconfig:"AI_MAX_PROMPT_TOKENS" default:"2000"`

	AMQPURL     string `envconfig:"AMQP_URL"`
	IngestQueue string `envconfig:"INGEST_QUEUE" default:"chronos.ingest"`
	EnrichQueue string `envconfig:"ENRICH_QUEUE" default:"chronos.enrich"`

	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	S3Region   string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Key      string `envconfig:"S3_KEY"`
	S3Secret   string `envconfig:"S3_SECRET"`
	S3Bucket   string `envconfig:"S3_BUCKET"`
	S3Prefix   string `envconfig:"S3_PREFIX" default:"chronosgraph"`

	ReportDir string `envconfig:"REPORT_DIR" default:"reports"`
	// MetricsAddr serves /metrics, /health and the review API of the
	// worker. APIKey guards the API when set.
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
	APIKey         string `envconfig:"API_KEY"`
	DedupeSchedule string `envconfig:"DEDUPE_SCHEDULE" default:"0 3 * * *"`
	AuditSchedule  string `envconfig:"AUDIT_SCHEDULE" default:"30 3 * * *"`
}

// Load reads .env (when present) and the environment, then validates the
// result.
func Load() (*Config, error) {
	util.LoadEnv()
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverNeo4j, DriverPostgres:
		if c.StoreURL == "" {
			errs = append(errs, fmt.Errorf("%s_STORE_URL is required for store driver %s", Prefix, c.StoreDriver))
		}
		user, password := c.storeCredentials()
		if user == "" {
			errs = append(errs, fmt.Errorf("%s_STORE_USER is required for store driver %s", Prefix, c.StoreDriver))
		}
		if password == "" {
			errs = append(errs, fmt.Errorf("%s_STORE_PASSWORD is required for store driver %s", Prefix, c.StoreDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	if strings.TrimSpace(c.WikidataURL) == "" {
		errs = append(errs, fmt.Errorf("%s_WIKIDATA_URL is required", Prefix))
	}

	c.AIProvider = strings.ToLower(strings.TrimSpace(c.AIProvider))
	switch c.AIProvider {
	case AIProviderNone, "":
		c.AIProvider = AIProviderNone
	case AIProviderOpenAI:
		if c.AIKey == "" {
			errs = append(errs, fmt.Errorf("%s_AI_KEY is required for the openai provider", Prefix))
		}
	case AIProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown ai provider %q", c.AIProvider))
	}

	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("fuzzy threshold %v must be in (0, 1]", c.FuzzyThreshold))
	}
	if c.BirthYearTolerance < 0 {
		errs = append(errs, fmt.Errorf("birth year tolerance %d must not be negative", c.BirthYearTolerance))
	}
	c.AliasLanguages = slices.DeleteFunc(c.AliasLanguages, func(l string) bool { return strings.TrimSpace(l) == "" })
	return errors.Join(errs...)
}

// S3Enabled reports whether reports and batches should go to object storage.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// QueueEnabled reports whether a RabbitMQ broker is configured.
func (c *Config) QueueEnabled() bool {
	return c.AMQPURL != ""
}

// storeCredentials returns the store user and password. On the postgres
// driver they may also come from the userinfo of StoreURL; the explicit
// settings win.
func (c *Config) storeCredentials() (string, string) {
	user, password := c.StoreUser, c.StorePassword
	if c.StoreDriver != DriverPostgres {
		return user, password
	}
	u, err := url.Parse(c.StoreURL)
	if err != nil || u.User == nil {
		return user, password
	}
	p, _ := u.User.Password()
	return cmp.Or(user, u.User.Username()), cmp.Or(password, p)
}

// PostgresURL returns StoreURL with the postgres:// scheme golang-migrate
// expects and the store credentials filled in.
func (c *Config) PostgresURL() string {
	raw := c.StoreURL
	if rest, ok := strings.CutPrefix(raw, "postgresql://"); ok {
		raw = "postgres://" + rest
	}
	if c.StoreUser == "" && c.StorePassword == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	user, password := c.storeCredentials()
	u.User = url.UserPassword(user, password)
	return u.String()
}
