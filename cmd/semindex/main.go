package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/api"
	"github.com/planweave/semindex/internal/autoindex"
	"github.com/planweave/semindex/internal/cache"
	"github.com/planweave/semindex/internal/chunk"
	"github.com/planweave/semindex/internal/config"
	"github.com/planweave/semindex/internal/embed"
	"github.com/planweave/semindex/internal/index"
	"github.com/planweave/semindex/internal/pool"
	"github.com/planweave/semindex/internal/search"
	"github.com/planweave/semindex/internal/source"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	flagCollection string
	flagLimit      int
	flagFilters    []string
	flagDryRun     bool
	flagBatchSize  int
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "semindex",
	Short: "Incremental semantic index and retrieval for record stores",
	Long: `semindex keeps a vector index in sync with a store of plans,
projects, and documents, and answers semantic search and related-item
queries over it.`,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a collection semantically",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var relatedCmd = &cobra.Command{
	Use:   "related <record-id>",
	Short: "Find records similar to a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelated,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [collections...]",
	Short: "Rebuild the index from the record source",
	RunE:  runReindex,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report per-collection index health",
	RunE:  runHealth,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search API over HTTP",
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the record directory and index changes as they happen",
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	searchCmd.Flags().StringVarP(&flagCollection, "collection", "c", "plans", "collection to search")
	searchCmd.Flags().IntVarP(&flagLimit, "limit", "l", 0, "maximum results (default from config)")
	searchCmd.Flags().StringSliceVarP(&flagFilters, "filter", "f", nil, "metadata filter key=value (repeatable)")

	relatedCmd.Flags().IntVarP(&flagLimit, "limit", "l", 0, "maximum results (default from config)")

	reindexCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report pending changes without mutating")
	reindexCmd.Flags().IntVar(&flagBatchSize, "batch-size", 32, "chunks per embedding call")

	rootCmd.AddCommand(searchCmd, relatedCmd, reindexCmd, healthCmd, serveCmd, watchCmd)
}

// app wires the subsystem together for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *index.Registry
	provider embed.Provider
	cache    *cache.Cache
	shared   *cache.SQLSharedStore
	indexer  *autoindex.Indexer
	service  *search.Service
}

func newApp() (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	if err := cfg.WriteDefaultConfig(); err != nil {
		return nil, err
	}

	logger, err := buildLogger()
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	factory, err := buildStoreFactory(cfg, provider.Dimensions())
	if err != nil {
		return nil, err
	}
	registry := index.NewRegistry(cfg.DataDir, factory, logger)

	a := &app{cfg: cfg, logger: logger, registry: registry, provider: provider}

	if cfg.Cache.Size > 0 {
		var shared cache.SharedStore
		if cfg.Cache.SharedDSN != "" {
			store, err := cache.NewSQLSharedStore(context.Background(), cfg.Cache.SharedDSN)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.shared = store
			shared = store
		}
		a.cache, err = cache.New(cfg.Cache.Size, cfg.Cache.TTL, shared, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	chunker := chunk.NewChunker(chunk.Config{MaxChunkSize: cfg.Index.ChunkSize})
	var invalidator autoindex.Invalidator
	if a.cache != nil {
		invalidator = a.cache
	}
	a.indexer = autoindex.New(registry, chunker, provider, invalidator,
		source.NewDirSource(cfg.RecordsDir),
		autoindex.Config{
			QueueSize:      cfg.Indexer.QueueSize,
			Workers:        cfg.Indexer.Workers,
			MaxRetries:     cfg.Indexer.MaxRetries,
			RetryBaseDelay: cfg.Indexer.RetryBaseDelay,
		}, logger)

	var resultCache search.ResultCache
	if a.cache != nil {
		resultCache = a.cache
	}
	a.service = search.NewService(registry, provider, resultCache, cfg.Search.Timeout, logger)
	return a, nil
}

func (a *app) Close() {
	if a.indexer != nil {
		a.indexer.Close()
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.shared != nil {
		_ = a.shared.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func buildLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func buildProvider(cfg *config.Config) (embed.Provider, error) {
	var provider embed.Provider
	switch cfg.Embedding.Provider {
	case "openai":
		provider = embed.NewOpenAIProvider(embed.OpenAIConfig{
			APIKey:            cfg.Embedding.OpenAIAPIKey,
			Model:             cfg.Embedding.Model,
			Dimensions:        cfg.Embedding.Dimensions,
			BaseURL:           cfg.Embedding.OpenAIBaseURL,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
	case "ollama", "":
		provider = embed.NewOllamaProvider(embed.OllamaConfig{
			BaseURL:    cfg.Embedding.OllamaURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	if cfg.Embedding.MaxConcurrent > 0 {
		provider = embed.WithPool(provider, pool.Config{MaxSize: cfg.Embedding.MaxConcurrent})
	}
	if cfg.Embedding.CacheSize > 0 {
		provider = embed.WithCache(provider, cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL)
	}
	return provider, nil
}

func buildStoreFactory(cfg *config.Config, dimensions int) (index.StoreFactory, error) {
	switch cfg.Index.Backend {
	case "veclite", "":
		dataDir := cfg.DataDir
		return func(name string) (index.VectorStore, error) {
			return index.OpenVecLiteStore(index.VecLitePath(dataDir, name), name, dimensions)
		}, nil
	case "pgvector":
		if cfg.Index.PostgresDSN == "" {
			return nil, fmt.Errorf("pgvector backend needs index.postgres_dsn")
		}
		dsn := cfg.Index.PostgresDSN
		return func(name string) (index.VectorStore, error) {
			return index.OpenPgVectorStore(dsn, name, dimensions)
		}, nil
	case "memory":
		return func(name string) (index.VectorStore, error) {
			return index.NewMemoryStore(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func parseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("bad filter %q, want key=value", pair)
		}
		filters[key] = value
	}
	return filters, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultLimit resolves the effective top-k: an explicit --limit flag
// wins, otherwise the configured default applies.
func (a *app) resultLimit(cmd *cobra.Command) int {
	if cmd.Flags().Changed("limit") {
		return flagLimit
	}
	return a.cfg.Search.DefaultLimit
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	filters, err := parseFilters(flagFilters)
	if err != nil {
		return err
	}

	hits, err := a.service.Search(cmd.Context(), strings.Join(args, " "), flagCollection, a.resultLimit(cmd), filters)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.3f  %s  %s\n", h.Score, h.RecordID, strings.ReplaceAll(h.Preview, "\n", " "))
	}
	return nil
}

func runRelated(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.service.Related(cmd.Context(), args[0], a.resultLimit(cmd))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no related records")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.3f  %s  %s\n", h.Score, h.RecordID, h.Fields["title"])
	}
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.indexer.ReindexAll(cmd.Context(), args, flagBatchSize, flagDryRun)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.service.Health()
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.indexer.Start()
	server := api.NewServer(api.ServerConfig{
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		DefaultLimit: a.cfg.Search.DefaultLimit,
		Service:      a.service,
		Indexer:      a.indexer,
		Logger:       a.logger,
	})
	return server.ListenAndServe()
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.indexer.Start()

	watcher, err := source.NewWatcher(source.NewDirSource(a.cfg.RecordsDir),
		source.DefaultWatcherConfig(), a.indexer.Enqueue, a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	var sweeper *autoindex.Sweeper
	if a.cfg.Indexer.SweepSchedule != "" {
		sweeper, err = autoindex.NewSweeper(a.indexer, a.cfg.Indexer.SweepSchedule,
			a.cfg.Indexer.SweepBatchSize, a.logger)
		if err != nil {
			return err
		}
		sweeper.Start()
	}

	fmt.Printf("watching %s (ctrl-c to stop)\n", a.cfg.RecordsDir)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if sweeper != nil {
		sweeper.Stop()
	}
	if err := watcher.Stop(); err != nil {
		return err
	}
	a.indexer.Wait()
	return nil
}
