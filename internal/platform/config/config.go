package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// テキスト埋め込みのバックエンド
const (
	TextEmbedBackendONNX   = "onnx"
	TextEmbedBackendOpenAI = "openai"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	Dataset  DatasetConfig
	Runtime  RuntimeConfig
	Loader   LoaderConfig
	Run      RunConfig
	OpenAI   OpenAIConfig
	Database DatabaseConfig
	Log      LogConfig
}

// DatasetConfig は入力データセットと出力先の設定
type DatasetConfig struct {
	Root         string
	ManifestPath string
	SaveDir      string
	SampleRate   int
	DurationSec  float64
	// StartRow と EndRow はマニフェストの行範囲（EndRow 0 は末尾まで）
	StartRow int
	EndRow   int
}

// RuntimeConfig はエンコーダー実行環境の設定
type RuntimeConfig struct {
	// CheckpointDir 配下に capability 名のディレクトリを置きます（例: <dir>/video-embed）
	CheckpointDir        string
	Precision            string
	Device               string
	DeviceID             int
	DeviceMemoryLimitMB  int
	ORTLibraryPath       string
	DisableFastAttention bool
	TextEmbedBackend     string
}

// LoaderConfig はバッチ供給の設定
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Prefetch  int
	Timeout   time.Duration
}

// RunConfig は抽出ループの設定
type RunConfig struct {
	ProgressEvery int
	FailureLogDir string
	Resume        bool
	Catalog       bool
}

// OpenAIConfig は OpenAI Embeddings API の設定
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	RequestsPerMinute  int
	MaxInputTokens     int
}

// DatabaseConfig はカタログ用データベースの接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Format  string
	Verbose bool
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Dataset: DatasetConfig{
			Root:         getEnv("DATASET_ROOT", "./data/videos"),
			ManifestPath: getEnv("MANIFEST_PATH", "./data/cot.csv"),
			SaveDir:      getEnv("SAVE_DIR", "./output/features"),
			SampleRate:   getEnvAsInt("SAMPLE_RATE", 44100),
			DurationSec:  getEnvAsFloat("DURATION_SEC", 9.0),
			StartRow:     getEnvAsInt("START_ROW", 0),
			EndRow:       getEnvAsInt("END_ROW", 0),
		},
		Runtime: RuntimeConfig{
			CheckpointDir:        getEnv("CKPT_DIR", "./weights"),
			Precision:            getEnv("PRECISION", string(domain.PrecisionReduced)),
			Device:               getEnv("DEVICE", string(domain.DeviceKindAccelerator)),
			DeviceID:             getEnvAsInt("DEVICE_ID", 0),
			DeviceMemoryLimitMB:  getEnvAsInt("DEVICE_MEMORY_LIMIT_MB", 0),
			ORTLibraryPath:       getEnv("ORT_LIBRARY_PATH", ""),
			DisableFastAttention: getEnvAsBool("DISABLE_FAST_ATTENTION", false),
			TextEmbedBackend:     getEnv("TEXT_EMBED_BACKEND", TextEmbedBackendONNX),
		},
		Loader: LoaderConfig{
			BatchSize: getEnvAsInt("BATCH_SIZE", 2),
			Workers:   getEnvAsInt("LOADER_WORKERS", 8),
			Prefetch:  getEnvAsInt("LOADER_PREFETCH", 2),
			Timeout:   getEnvAsDuration("LOADER_TIMEOUT", 5*time.Minute),
		},
		Run: RunConfig{
			ProgressEvery: getEnvAsInt("PROGRESS_EVERY", 100),
			FailureLogDir: getEnv("FAILURE_LOG_DIR", ""),
			Resume:        getEnvAsBool("RESUME", false),
			Catalog:       getEnvAsBool("CATALOG", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1024),
			RequestsPerMinute:  getEnvAsInt("OPENAI_REQUESTS_PER_MINUTE", 500),
			MaxInputTokens:     getEnvAsInt("OPENAI_MAX_INPUT_TOKENS", 8191),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "latent"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "latent"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Log: LogConfig{
			Format:  getEnv("LOG_FORMAT", "json"),
			Verbose: getEnvAsBool("VERBOSE", false),
		},
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error

	if _, err := domain.ParsePrecision(c.Runtime.Precision); err != nil {
		errs = append(errs, err)
	}
	if _, err := domain.ParseDeviceKind(c.Runtime.Device); err != nil {
		errs = append(errs, err)
	}
	switch c.Runtime.TextEmbedBackend {
	case TextEmbedBackendONNX:
	case TextEmbedBackendOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for the %s text-embed backend", TextEmbedBackendOpenAI))
		}
		if c.OpenAI.EmbeddingDimension <= 0 {
			errs = append(errs, &domain.InvalidValueError{Field: "openai embedding dimension", Value: strconv.Itoa(c.OpenAI.EmbeddingDimension)})
		}
	default:
		errs = append(errs, &domain.InvalidValueError{Field: "text-embed backend", Value: c.Runtime.TextEmbedBackend})
	}
	if c.Dataset.StartRow < 0 {
		errs = append(errs, &domain.InvalidValueError{Field: "start row", Value: strconv.Itoa(c.Dataset.StartRow)})
	}
	if c.Dataset.EndRow > 0 && c.Dataset.EndRow <= c.Dataset.StartRow {
		errs = append(errs, fmt.Errorf("end row %d must be greater than start row %d", c.Dataset.EndRow, c.Dataset.StartRow))
	}
	if c.Dataset.DurationSec <= 0 {
		errs = append(errs, &domain.InvalidValueError{Field: "duration", Value: strconv.FormatFloat(c.Dataset.DurationSec, 'f', -1, 64)})
	}
	if c.Loader.BatchSize <= 0 {
		errs = append(errs, &domain.InvalidValueError{Field: "batch size", Value: strconv.Itoa(c.Loader.BatchSize)})
	}
	if c.Dataset.SaveDir == "" {
		errs = append(errs, fmt.Errorf("save dir is required"))
	}

	return errors.Join(errs...)
}

// Extraction はエンコーダー構築に渡す不変の RuntimeOptions を返します
func (c *Config) Extraction() (domain.RuntimeOptions, error) {
	precision, err := domain.ParsePrecision(c.Runtime.Precision)
	if err != nil {
		return domain.RuntimeOptions{}, err
	}
	device, err := domain.ParseDeviceKind(c.Runtime.Device)
	if err != nil {
		return domain.RuntimeOptions{}, err
	}

	paths := make(map[domain.Capability]string, len(domain.EncodeOrder))
	for _, capability := range domain.EncodeOrder {
		paths[capability] = filepath.Join(c.Runtime.CheckpointDir, string(capability))
	}

	return domain.RuntimeOptions{
		Precision:            precision,
		Device:               device,
		DeviceID:             c.Runtime.DeviceID,
		CheckpointPaths:      paths,
		DisableFastAttention: c.Runtime.DisableFastAttention,
	}, nil
}

// AudioSamples は 1 サンプルあたりの音声サンプル数を返します
func (d DatasetConfig) AudioSamples() int {
	return int(float64(d.SampleRate) * d.DurationSec)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（例: 90s, 5m）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
