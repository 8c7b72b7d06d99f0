// Priemka AI CLI
// Одноразовая обработка xlsx файла без поднятия сервера:
// чтение, разбиение на дефекты, классификация, запись результата.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ilkoid/priemka-ai/pkg/cache"
	"github.com/ilkoid/priemka-ai/pkg/catalog"
	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/llm/openai"
	"github.com/ilkoid/priemka-ai/pkg/pipeline"
	"github.com/ilkoid/priemka-ai/pkg/utils"
	"github.com/ilkoid/priemka-ai/pkg/xlsx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "путь к конфигурации")
	inPath := flag.String("in", "", "входной xlsx файл (обязательно)")
	outPath := flag.String("out", "", "выходной xlsx файл (по умолчанию <in>_processed.xlsx)")
	flag.Parse()

	if *inPath == "" {
		flag.Usage()
		return fmt.Errorf("-in is required")
	}

	output := *outPath
	if output == "" {
		base := strings.TrimSuffix(*inPath, filepath.Ext(*inPath))
		output = base + "_processed.xlsx"
	}

	if err := godotenv.Load(); err == nil {
		log.Println(".env loaded")
	}

	if err := utils.InitLogger(); err != nil {
		log.Printf("Warning: failed to init logger: %v", err)
	}
	defer utils.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	index := catalog.New(cfg.Paths.CategoriesFile)
	if err := index.BuildIndex(); err != nil {
		return fmt.Errorf("category index: %w", err)
	}
	fmt.Printf("Справочник: %d категорий\n", len(index.Categories()))

	provider, err := openai.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	tasks := llm.NewTaskClient(provider, cfg.LLM.Model, cfg.LLM.Temperature,
		cfg.Pipeline.SplitBatchSize, cfg.Pipeline.ClassifyBatchSize, cfg.Pipeline.ClassifyWorkers)

	var cacheStore cache.Store
	if cfg.Paths.CacheFile != "" {
		sqliteCache, err := cache.NewSQLite(cfg.Paths.CacheFile)
		if err != nil {
			return fmt.Errorf("sqlite cache: %w", err)
		}
		defer sqliteCache.Close()
		cacheStore = sqliteCache
	} else {
		cacheStore = cache.NewMemory()
	}

	rows, headers, err := xlsx.ReadFile(*inPath)
	if err != nil {
		return err
	}
	fmt.Printf("Прочитано строк: %d\n", len(rows))

	splitter := pipeline.NewSplitter(tasks, cacheStore)
	classifier := pipeline.NewClassifier(tasks, index, cacheStore, pipeline.ClassifierOptions{
		TopN:             cfg.Pipeline.TopN,
		FallbackCap:      cfg.Pipeline.FallbackCap,
		FallbackMinScore: cfg.Pipeline.FallbackMinScore,
	})
	p := pipeline.New(splitter, classifier, cfg.Pipeline.KeepUnsplit, func(stage string, percent int) {
		fmt.Printf("  [%3d%%] %s\n", percent, stage)
	})

	start := time.Now()
	expanded, err := p.Run(context.Background(), rows)
	if err != nil {
		return err
	}

	if err := xlsx.WriteResult(expanded, output, headers); err != nil {
		return err
	}

	fmt.Printf("Готово за %s: %d дефектов → %s\n", time.Since(start).Round(time.Second), len(expanded), output)
	return nil
}
