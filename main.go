package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"taxflow/internal/api"
	"taxflow/internal/auth"
	"taxflow/internal/blob"
	"taxflow/internal/config"
	"taxflow/internal/notify"
	"taxflow/internal/redis"
	"taxflow/internal/service/calculation"
	"taxflow/internal/service/documents"
	"taxflow/internal/service/ingest"
	"taxflow/internal/service/progress"
	"taxflow/internal/service/sweeper"
	"taxflow/internal/storage"
	"taxflow/internal/worker"
)

func main() {
	cfgPath := os.Getenv("TAXFLOW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TAXFLOW_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: tax_sessions, tax_documents, calculation_steps
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := storage.NewStore(db, dbType)
	registry := documents.NewRegistry(store)

	pipelineOpts, err := calculation.ParseOptions(
		cfg.Tax.StateRate,
		cfg.Tax.PlaceholderIncome,
		cfg.Tax.PlaceholderWithheld,
		cfg.Tax.PlaceholderAllowed(),
		config.Duration(cfg.BasicConfig.StepDelay),
	)
	if err != nil {
		log.Fatalf("tax options: %v", err)
	}
	pipeline := calculation.NewPipeline(store, registry, pipelineOpts)

	notifier, err := notify.New(cfg.Events)
	if err != nil {
		log.Fatalf("create event notifier: %v", err)
	}

	managerOpts := []worker.Option{
		worker.WithCalculationTimeout(config.Duration(cfg.BasicConfig.CalculationTimeout)),
		worker.WithCompletionHook(notifier.CalculationFinished),
	}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		managerOpts = append(managerOpts, worker.WithRedis(rdb, 0))
	}
	workerCfg := worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: config.Duration(cfg.BasicConfig.WorkerIdleTimeout),
	}
	worker.SetDebug(cfg.BasicConfig.WorkerDebug)
	manager := worker.NewManager(store, pipeline, workerCfg, managerOpts...)

	sweeper.New(store,
		config.Duration(cfg.BasicConfig.StaleAfter),
		config.Duration(cfg.BasicConfig.SweepInterval),
	).Start(ctx)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Storage, cfg.BasicConfig.UploadDir)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}
	defer closeBlobs()

	extractor, err := newExtractor(ctx, cfg)
	if err != nil {
		log.Fatalf("create extractor: %v", err)
	}
	ingestor := ingest.NewIngestor(registry, blobs, extractor, config.Duration(cfg.Ingest.ProcessingDelay))

	authService, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, config.Duration(cfg.Auth.TokenTTL))
	if err != nil {
		log.Fatalf("create auth service: %v", err)
	}

	handlers := api.NewHandler(api.Deps{
		Sessions:       store,
		Documents:      registry,
		Blobs:          blobs,
		Ingestor:       ingestor,
		Workers:        manager,
		Progress:       progress.NewPublisher(store, config.Duration(cfg.BasicConfig.StreamInterval)),
		Auth:           authService,
		DefaultYear:    cfg.Tax.DefaultYear,
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	server := newHTTPServer(cfg.BasicConfig.ServerAddress, router)
	workerGrace := config.Duration(cfg.BasicConfig.CalculationTimeout) + 5*time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("taxflow listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(server, manager, 15*time.Second, workerGrace)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// newHTTPServer builds a server whose request contexts end when Shutdown starts,
// so open progress streams return instead of holding the drain until its deadline.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown drains HTTP first, then gives the workers a deadline of their own.
func shutdown(server *http.Server, workers shutdowner, httpTimeout, workerTimeout time.Duration) {
	httpCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()

	workerCtx, cancel := context.WithTimeout(context.Background(), workerTimeout)
	defer cancel()
	if err := workers.Shutdown(workerCtx); err != nil {
		log.Printf("worker shutdown: %v", err)
	}
}

func openBlobStore(ctx context.Context, cfg config.StorageConfig, uploadDir string) (blob.Store, func(), error) {
	switch cfg.Backend {
	case "gcs":
		g, err := blob.NewGCS(ctx, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	default:
		l, err := blob.NewLocal(uploadDir)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	}
}

func newExtractor(ctx context.Context, cfg *config.Config) (ingest.Extractor, error) {
	if cfg.Ingest.Extractor != "llm" {
		return ingest.SimulatedExtractor{Delay: config.Duration(cfg.Ingest.CompletionDelay)}, nil
	}
	chatModel, err := ingest.NewChatModel(ctx, cfg.Ingest.Provider, cfg.Providers[cfg.Ingest.Provider], cfg.Ingest.MaxTokens)
	if err != nil {
		return nil, err
	}
	return ingest.NewLLMExtractor(ctx, chatModel)
}
