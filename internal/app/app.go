// Package app wires configuration into the store, identity service, AI
// client, lock and object storage shared by the CLI and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gcquraishi/chronosgraph/internal/config"
	"github.com/gcquraishi/chronosgraph/internal/storage"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/ai"
	oai "github.com/gcquraishi/chronosgraph/pkg/ai/ollama"
	gai "github.com/gcquraishi/chronosgraph/pkg/ai/openai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/leaselock"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/logger/console"
	"github.com/gcquraishi/chronosgraph/pkg/logger/jsonlog"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/store/memory"
	"github.com/gcquraishi/chronosgraph/pkg/store/neo4j"
	pgxstore "github.com/gcquraishi/chronosgraph/pkg/store/pgx"
	"github.com/gcquraishi/chronosgraph/pkg/wikidata"
)

// App bundles the dependencies of one process.
type App struct {
	Config    *config.Config
	Store     store.GraphStorage
	Identity  wikidata.ExternalIdentityService
	AI        ai.GraphAIClient
	Narrative ai.NarrativeEnrichmentService
	Agents    *provenance.Config
	Locker    leaselock.Locker
	Objects   storage.ObjectStore

	closers []func(ctx context.Context)
}

// InitLogger installs the console logger and, when LOG_FILE is set, a JSON
// file logger next to it. LOG_LEVEL and LOG_FORMAT tune the console; bad
// values fall back to the defaults with a warning.
func InitLogger(service string) {
	debug := util.GetEnvBool(false, "CHRONOS_DEBUG", "DEBUG")
	var problems []any

	cl, err := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Level:  util.GetEnv("CHRONOS_LOG_LEVEL", "LOG_LEVEL"),
		Format: util.GetEnv("CHRONOS_LOG_FORMAT", "LOG_FORMAT"),
	})
	if err != nil {
		problems = append(problems, "console", err)
		cl, _ = console.NewConsoleLogger(console.ConsoleLoggerParams{Debug: debug})
	}
	instances := []logger.LoggerInstance{cl}

	if path := util.GetEnv("CHRONOS_LOG_FILE", "LOG_FILE"); path != "" {
		j, err := jsonlog.NewJSONLogger(jsonlog.JSONLoggerParams{Path: path, Debug: debug, Fields: map[string]string{"service": service}})
		if err != nil {
			problems = append(problems, "log_file", err)
		} else {
			instances = append(instances, j)
		}
	}
	logger.Init(instances...)
	if len(problems) > 0 {
		logger.Warn("[App] Logging partly falls back to defaults", problems...)
	}
}

// Open connects everything cfg configures. Optional parts stay nil: the AI
// client without a provider, Objects without a bucket.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Locker: leaselock.Noop{}}

	agents := provenance.DefaultConfig()
	if cfg.AgentsFile != "" {
		var err error
		if agents, err = provenance.LoadConfig(cfg.AgentsFile); err != nil {
			return nil, err
		}
	}
	a.Agents = agents

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Identity = wikidata.NewClient(wikidata.NewClientParams{
		BaseURL:    cfg.WikidataURL,
		APIKey:     cfg.WikidataKey,
		UserAgent:  cfg.WikidataUserAgent,
		HTTPClient: &http.Client{Timeout: cfg.WikidataTimeout},
	})

	if err := a.openAI(); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if cfg.S3Enabled() {
		s3, err := storage.NewS3(ctx, storage.NewS3Params{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3Key,
			SecretKey: cfg.S3Secret,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Objects = s3
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.DriverNeo4j:
		s, err := neo4j.New(ctx, neo4j.Config{
			URI:      cfg.StoreURL,
			Username: cfg.StoreUser,
			Password: cfg.StorePassword,
			Database: cfg.StoreDatabase,
		})
		if err != nil {
			return err
		}
		a.Store = s
	case config.DriverPostgres:
		s, err := pgxstore.NewGraphDBStorage(ctx, cfg.PostgresURL())
		if err != nil {
			return err
		}
		a.Store = s
	case config.DriverMemory:
		logger.Warn("[App] Using the in-memory store, nothing is persisted")
		a.Store = memory.New()
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := a.Store.Close(ctx); err != nil {
			logger.Warn("[App] Failed to close store", "err", err)
		}
	})
	logger.Debug("[App] Store connected", "driver", cfg.StoreDriver)
	return nil
}

// openLocker uses LockURL, or the store's own pool on the postgres driver.
func (a *App) openLocker(ctx context.Context) error {
	if a.Config.LockURL == "" {
		if pg, ok := a.Store.(*pgxstore.GraphDBStorage); ok && pg.Pool() != nil {
			a.Locker = leaselock.New(pg.Pool())
		}
		return nil
	}
	if err := pgxstore.Migrate(a.Config.LockURL); err != nil {
		return fmt.Errorf("prepare lock database: %w", err)
	}
	pool, err := pgxpool.New(ctx, a.Config.LockURL)
	if err != nil {
		return &common.StoreUnavailableError{Err: err}
	}
	a.Locker = leaselock.New(pool)
	a.closers = append(a.closers, func(context.Context) { pool.Close() })
	return nil
}

func (a *App) openAI() error {
	cfg := a.Config
	switch cfg.AIProvider {
	case config.AIProviderOpenAI:
		client, err := gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			Model:   cfg.AIModel,
			ChatURL: cfg.AIURL,
			ChatKey: cfg.AIKey,
		})
		if err != nil {
			return err
		}
		a.AI = client
	case config.AIProviderOllama:
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			Model:                 cfg.AIModel,
			BaseURL:               cfg.AIURL,
			APIKey:                cfg.AIKey,
			MaxConcurrentRequests: cfg.AIMaxConcurrent,
		})
		if err != nil {
			return err
		}
		a.AI = client
	default:
		return nil
	}
	a.Narrative = ai.NewNarrativeEnricher(ai.NewNarrativeEnricherParams{
		Client:          a.AI,
		MaxPromptTokens: cfg.AIMaxPromptTokens,
	})
	return nil
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// Agent returns the configured agent with id.
func (a *App) Agent(id string) (common.Agent, error) {
	agent := a.Agents.Agent(id)
	if agent == nil {
		return common.Agent{}, &common.ValidationError{Messages: []string{fmt.Sprintf("unknown agent %q", id)}}
	}
	return *agent, nil
}

// IngestionContext returns the settings every batch shares. Callers fill
// in the agent, batch id and run mode.
func (a *App) IngestionContext() graph.IngestionContext {
	return graph.IngestionContext{
		Store:              a.Store,
		Identity:           a.Identity,
		Narrative:          a.Narrative,
		FuzzyThreshold:     a.Config.FuzzyThreshold,
		BirthYearTolerance: a.Config.BirthYearTolerance,
		AliasLanguages:     a.Config.AliasLanguages,
		CacheSize:          a.Config.CacheSize,
	}
}

// Resolver returns a resolver backed by a fresh alias cache.
func (a *App) Resolver() (*graph.Resolver, error) {
	var identity wikidata.ExternalIdentityService
	if a.Identity != nil {
		cached, err := wikidata.NewCachedService(a.Identity, a.Config.CacheSize)
		if err != nil {
			return nil, err
		}
		identity = cached
	}
	return graph.NewResolver(graph.NewResolverParams{
		Identity:           identity,
		FuzzyThreshold:     a.Config.FuzzyThreshold,
		BirthYearTolerance: a.Config.BirthYearTolerance,
		AliasLanguages:     a.Config.AliasLanguages,
	}), nil
}

// EnsureAgents writes every configured agent to the graph.
func (a *App) EnsureAgents(ctx context.Context) error {
	if err := provenance.EnsureAgents(ctx, a.Store, a.Agents.Agents); err != nil {
		return fmt.Errorf("ensure agents: %w", err)
	}
	return nil
}

// ErrNoNarrative is returned by commands that need an AI provider.
var ErrNoNarrative = errors.New("no AI provider configured, set CHRONOS_AI_PROVIDER")
