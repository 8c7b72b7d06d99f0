package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig — корневая структура конфигурации.
// Зеркалит структуру config.yaml.
type AppConfig struct {
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Paths    PathsConfig    `yaml:"paths"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	Domyland DomylandConfig `yaml:"domyland"`
	Debug    bool           `yaml:"debug"`
}

// LLMConfig — настройки подключения к LLM API (DeepSeek/OpenAI-совместимые).
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`  // Поддерживает ${VAR}
	BaseURL     string  `yaml:"base_url"` // Например https://api.deepseek.com
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`    // Например "120s"
	RateLimit   int     `yaml:"rate_limit"` // Запросов в минуту
	BurstLimit  int     `yaml:"burst_limit"`
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (c *LLMConfig) GetDefaults() LLMConfig {
	result := *c

	if result.BaseURL == "" {
		result.BaseURL = "https://api.deepseek.com"
	}
	if result.Model == "" {
		result.Model = "deepseek-chat"
	}
	if result.Temperature == 0 {
		result.Temperature = 0.1 // низкая температура для стабильных ответов
	}
	if result.Timeout == "" {
		result.Timeout = "120s"
	}
	if result.RateLimit == 0 {
		result.RateLimit = 60
	}
	if result.BurstLimit == 0 {
		result.BurstLimit = 3
	}

	return result
}

// ParseTimeout парсит строковый timeout в time.Duration.
func (c *LLMConfig) ParseTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid llm.timeout format: %w", err)
	}
	return d, nil
}

// PipelineConfig — параметры разбиения и классификации.
//
// Все числовые пороги — подобранные на реальных выгрузках политики,
// а не инварианты. Меняются без изменения кода.
type PipelineConfig struct {
	SplitBatchSize    int  `yaml:"split_batch_size"`    // Комментариев в одном запросе к LLM
	ClassifyBatchSize int  `yaml:"classify_batch_size"` // Дефектов в одном запросе к LLM
	ClassifyWorkers   int  `yaml:"classify_workers"`    // Параллельных батчей классификации
	TopN              int  `yaml:"top_n"`               // Кандидатов из справочника на дефект
	FallbackCap       int  `yaml:"fallback_cap"`        // Потолок уверенности при fuzzy-подстановке
	FallbackMinScore  int  `yaml:"fallback_min_score"`  // Минимальный fuzzy-скор для подстановки
	KeepUnsplit       bool `yaml:"keep_unsplit"`        // Пустой результат split → строка с исходным текстом
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (c *PipelineConfig) GetDefaults() PipelineConfig {
	result := *c

	if result.SplitBatchSize == 0 {
		result.SplitBatchSize = 30
	}
	if result.ClassifyBatchSize == 0 {
		result.ClassifyBatchSize = 50
	}
	if result.ClassifyWorkers == 0 {
		result.ClassifyWorkers = 3
	}
	if result.TopN == 0 {
		result.TopN = 10
	}
	if result.FallbackCap == 0 {
		result.FallbackCap = 50
	}
	if result.FallbackMinScore == 0 {
		result.FallbackMinScore = 30
	}

	return result
}

// PathsConfig — рабочие директории и файл справочника.
type PathsConfig struct {
	UploadsDir     string `yaml:"uploads_dir"`
	ResultsDir     string `yaml:"results_dir"`
	CategoriesFile string `yaml:"categories_file"`
	CacheFile      string `yaml:"cache_file"` // Путь к sqlite-кэшу, пусто = кэш в памяти
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (c *PathsConfig) GetDefaults() PathsConfig {
	result := *c

	if result.UploadsDir == "" {
		result.UploadsDir = "uploads"
	}
	if result.ResultsDir == "" {
		result.ResultsDir = "results"
	}
	if result.CategoriesFile == "" {
		result.CategoriesFile = "data/categories.xlsx"
	}

	return result
}

// ServerConfig — настройки HTTP сервера.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxUploadSize   int64  `yaml:"max_upload_size"`  // Байт
	CategoryRefresh string `yaml:"category_refresh"` // Cron-расписание проверки справочника
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (c *ServerConfig) GetDefaults() ServerConfig {
	result := *c

	if result.Addr == "" {
		result.Addr = ":8000"
	}
	if result.MaxUploadSize == 0 {
		result.MaxUploadSize = 50 * 1024 * 1024
	}
	if result.CategoryRefresh == "" {
		result.CategoryRefresh = "@every 5m"
	}

	return result
}

// RedisConfig — настройки хранилища статусов задач.
// Пустой Addr = in-memory хранилище (режим CLI и тестов).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` // Поддерживает ${VAR}
	DB       int    `yaml:"db"`
}

// S3Config — настройки объектного хранилища для архивации результатов.
// Пустой Endpoint = архивация выключена.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"` // Поддерживает ${VAR}
	SecretKey string `yaml:"secret_key"` // Поддерживает ${VAR}
	UseSSL    bool   `yaml:"use_ssl"`
}

// DomylandConfig — настройки клиента CRM Domyland.
type DomylandConfig struct {
	BaseURL       string `yaml:"base_url"`
	AppName       string `yaml:"app_name"`
	TimeZone      string `yaml:"timezone"`
	Timeout       string `yaml:"timeout"`
	RateLimit     int    `yaml:"rate_limit"` // Запросов в минуту
	BurstLimit    int    `yaml:"burst_limit"`
	RetryAttempts int    `yaml:"retry_attempts"`
	MaxPages      int    `yaml:"max_pages"` // Страховка от бесконечной пагинации
}

// GetDefaults возвращает дефолтные значения для незаполненных полей.
func (c *DomylandConfig) GetDefaults() DomylandConfig {
	result := *c

	if result.BaseURL == "" {
		result.BaseURL = "https://a101.domyland.ru/api"
	}
	if result.AppName == "" {
		result.AppName = "priemka-ai"
	}
	if result.TimeZone == "" {
		result.TimeZone = "Europe/Moscow"
	}
	if result.Timeout == "" {
		result.Timeout = "60s"
	}
	if result.RateLimit == 0 {
		result.RateLimit = 60
	}
	if result.BurstLimit == 0 {
		result.BurstLimit = 5
	}
	if result.RetryAttempts == 0 {
		result.RetryAttempts = 3
	}
	if result.MaxPages == 0 {
		result.MaxPages = 100
	}

	return result
}

// Load читает YAML файл, подставляет ENV переменные и возвращает готовую структуру.
func Load(path string) (*AppConfig, error) {
	// 1. Проверяем существование файла
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found at: %s", path)
	}

	// 2. Читаем файл целиком
	rawBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 3. Подставляем переменные окружения.
	// os.ExpandEnv заменяет ${VAR} или $VAR на значение из системы.
	contentWithEnv := os.ExpandEnv(string(rawBytes))

	// 4. Парсим YAML в структуру
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(contentWithEnv), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	// 5. Применяем дефолты и валидируем критические настройки
	cfg.LLM = cfg.LLM.GetDefaults()
	cfg.Pipeline = cfg.Pipeline.GetDefaults()
	cfg.Paths = cfg.Paths.GetDefaults()
	cfg.Server = cfg.Server.GetDefaults()
	cfg.Domyland = cfg.Domyland.GetDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate проверяет обязательные поля.
func (c *AppConfig) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set LLM_API_KEY)")
	}
	if _, err := c.LLM.ParseTimeout(); err != nil {
		return err
	}
	if c.S3.Endpoint != "" && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when s3.endpoint is set")
	}
	return nil
}
