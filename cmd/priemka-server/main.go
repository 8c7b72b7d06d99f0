// Priemka AI Server
// HTTP сервис обработки замечаний приёмки: разбиение комментариев на
// дефекты и классификация по справочнику категорий.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/ilkoid/priemka-ai/internal/server"
	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/jobs"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/llm/openai"
	"github.com/ilkoid/priemka-ai/pkg/s3storage"
	"github.com/ilkoid/priemka-ai/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "путь к конфигурации")
	flag.Parse()

	// .env необязателен — в проде переменные приходят из окружения
	if err := godotenv.Load(); err == nil {
		log.Println(".env loaded")
	}

	if err := utils.InitLogger(); err != nil {
		log.Printf("Warning: failed to init logger: %v", err)
	}
	defer utils.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		utils.Error("Failed to load config", "error", err, "path", *configPath)
		return err
	}
	utils.Info("Config loaded", "path", *configPath, "model", cfg.LLM.Model)

	// Справочник категорий
	index := catalog.New(cfg.Paths.CategoriesFile)
	if err := index.BuildIndex(); err != nil {
		utils.Error("Failed to build category index", "error", err, "file", cfg.Paths.CategoriesFile)
		return fmt.Errorf("category index: %w", err)
	}
	utils.Info("Category index built", "categories", len(index.Categories()))

	// Периодическая проверка справочника: файл обновляют руками,
	// сервис подхватывает изменения без рестарта
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Server.CategoryRefresh, func() {
		rebuilt, err := index.CheckAndRebuild()
		if err != nil {
			utils.Warn("Category index refresh failed", "error", err)
			return
		}
		if rebuilt {
			utils.Info("Category index rebuilt", "categories", len(index.Categories()))
		}
	}); err != nil {
		return fmt.Errorf("invalid server.category_refresh schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// LLM
	provider, err := openai.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	tasks := llm.NewTaskClient(provider, cfg.LLM.Model, cfg.LLM.Temperature,
		cfg.Pipeline.SplitBatchSize, cfg.Pipeline.ClassifyBatchSize, cfg.Pipeline.ClassifyWorkers)

	// Кэш ответов LLM: sqlite если задан путь, иначе в памяти
	var cacheStore cache.Store
	if cfg.Paths.CacheFile != "" {
		sqliteCache, err := cache.NewSQLite(cfg.Paths.CacheFile)
		if err != nil {
			return fmt.Errorf("sqlite cache: %w", err)
		}
		defer sqliteCache.Close()
		cacheStore = sqliteCache
		utils.Info("Using sqlite cache", "file", cfg.Paths.CacheFile, "entries", sqliteCache.Len())
	} else {
		cacheStore = cache.NewMemory()
	}

	// Хранилище задач: Redis если настроен, иначе в памяти
	var store jobs.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		store = jobs.NewRedis(rdb, 7*24*time.Hour)
		utils.Info("Using redis job store", "addr", cfg.Redis.Addr)
	} else {
		store = jobs.NewMemory()
		utils.Info("Using in-memory job store")
	}

	// S3 архивация результатов (опционально)
	var s3 s3storage.ClientInterface
	if cfg.S3.Endpoint != "" {
		s3Client, err := s3storage.New(cfg.S3)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		s3 = s3Client
		utils.Info("S3 archiving enabled", "bucket", cfg.S3.Bucket)
	}

	srv := server.New(cfg, store, index, tasks, cacheStore, s3)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown по SIGINT/SIGTERM
	errCh := make(chan error, 1)
	go func() {
		utils.Info("HTTP server listening", "addr", cfg.Server.Addr)
		log.Printf("Listening on %s", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		utils.Info("Shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}
