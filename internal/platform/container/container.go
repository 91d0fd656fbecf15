package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/accel"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/bolt"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/dataset"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/npz"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/onnx"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/openai"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/pg"
	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/jinford/latent-cache/internal/platform/config"
	"github.com/jinford/latent-cache/internal/platform/database"
)

// Container は抽出処理の依存関係を保持します
type Container struct {
	Config    *config.Config
	Logger    *slog.Logger
	Options   domain.RuntimeOptions
	Device    *accel.Accelerator
	Residency *application.ResidencyManager
	Extractor *application.Extractor
	Writer    *application.PersistenceWriter
	Runner    *application.Runner
	Warmup    *application.WarmupRunner
	Store     *npz.Store

	// 以下は設定により nil になります
	Ledger     *bolt.Ledger
	Catalog    *pg.CatalogRepository
	FailureLog *application.FailureLog

	runtime  *onnx.Runtime
	database *database.DB
}

type containerOptions struct {
	logger         *slog.Logger
	encoders       []domain.Encoder
	device         *accel.Accelerator
	stateObserver  func(application.RunState)
	residencyHooks []application.ResidencyOption
}

// Option は Container 構築時のオプション
type Option func(*containerOptions)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithEncoders はエンコーダーを注入する（ONNX Runtime を初期化しません）
func WithEncoders(encoders ...domain.Encoder) Option {
	return func(opts *containerOptions) {
		opts.encoders = encoders
	}
}

// WithDevice はデバイスを差し替える
func WithDevice(device *accel.Accelerator) Option {
	return func(opts *containerOptions) {
		opts.device = device
	}
}

// WithStateObserver は抽出ループの状態遷移を通知する
func WithStateObserver(observer func(application.RunState)) Option {
	return func(opts *containerOptions) {
		opts.stateObserver = observer
	}
}

// WithResidencyOptions は ResidencyManager にオプションを渡す
func WithResidencyOptions(residencyOpts ...application.ResidencyOption) Option {
	return func(opts *containerOptions) {
		opts.residencyHooks = append(opts.residencyHooks, residencyOpts...)
	}
}

// New は設定からコンテナを生成します。失敗は domain.ErrSetup でラップされます。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (c *Container, err error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, domain.Setup(fmt.Errorf("設定が不正です: %w", err))
	}
	runtimeOpts, err := cfg.Extraction()
	if err != nil {
		return nil, domain.Setup(err)
	}

	c = &Container{
		Config:  cfg,
		Logger:  options.logger,
		Options: runtimeOpts,
	}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	encoders := options.encoders
	if encoders == nil {
		encoders, err = c.loadEncoders()
		if err != nil {
			return nil, domain.Setup(err)
		}
	}

	c.Device = options.device
	if c.Device == nil {
		c.Device = c.newDevice()
	}

	residency, err := application.NewResidencyManager(ctx, c.Device, runtimeOpts.Precision, c.Logger, encoders, options.residencyHooks...)
	if err != nil {
		for _, enc := range encoders {
			enc.Close()
		}
		return nil, err
	}
	c.Residency = residency

	metrics := application.NewEncoderMetrics()
	telemetry := application.NewMemoryTelemetry(c.Device, c.Logger)
	c.Extractor, err = application.NewExtractor(residency, telemetry, metrics, c.Logger)
	if err != nil {
		return nil, err
	}
	c.Warmup = application.NewWarmupRunner(residency, c.Logger)

	c.Store = npz.NewStore(cfg.Dataset.SaveDir)
	var writerOpts []application.PersistenceOption
	if cfg.Run.Resume {
		c.Ledger, err = bolt.Open(cfg.Dataset.SaveDir)
		if err != nil {
			return nil, domain.Setup(fmt.Errorf("完了台帳の初期化に失敗しました: %w", err))
		}
		writerOpts = append(writerOpts, application.WithLedger(c.Ledger))
	}
	if cfg.Run.Catalog {
		if err := c.openCatalog(ctx); err != nil {
			return nil, domain.Setup(err)
		}
		writerOpts = append(writerOpts, application.WithCatalog(c.Catalog))
	}
	c.Writer = application.NewPersistenceWriter(c.Store, writerOpts...)

	c.FailureLog, err = application.NewFailureLog(cfg.Run.FailureLogDir)
	if err != nil {
		return nil, domain.Setup(fmt.Errorf("失敗ログの初期化に失敗しました: %w", err))
	}

	runnerOpts := []application.RunnerOption{
		application.WithFailureLog(c.FailureLog),
		application.WithProgressEvery(cfg.Run.ProgressEvery),
	}
	if options.stateObserver != nil {
		runnerOpts = append(runnerOpts, application.WithStateObserver(options.stateObserver))
	}
	c.Runner = application.NewRunner(c.Extractor, c.Writer, c.Device, c.Logger, runnerOpts...)

	return c, nil
}

// NewSource はマニフェストを読み込み、バッチを供給するローダーを作成します。
// 完了台帳がある場合は保存済みのサンプルを除外します。
func (c *Container) NewSource() (*dataset.Loader, error) {
	cfg := c.Config
	rows, err := dataset.ReadManifest(cfg.Dataset.ManifestPath, dataset.RowRange{
		Start: cfg.Dataset.StartRow,
		End:   cfg.Dataset.EndRow,
	})
	if err != nil {
		return nil, domain.Setup(fmt.Errorf("マニフェストの読み込みに失敗しました: %w", err))
	}

	loaderCfg := dataset.DefaultConfig()
	loaderCfg.Root = cfg.Dataset.Root
	loaderCfg.BatchSize = cfg.Loader.BatchSize
	loaderCfg.Workers = cfg.Loader.Workers
	loaderCfg.Prefetch = cfg.Loader.Prefetch
	loaderCfg.Timeout = cfg.Loader.Timeout
	loaderCfg.ClipFrames, loaderCfg.SyncFrames = dataset.FrameBudget(cfg.Dataset.DurationSec)
	if c.Ledger != nil {
		ledger := c.Ledger
		loaderCfg.Skip = func(id string) bool {
			done, err := ledger.IsDone(id)
			if err != nil {
				c.Logger.Warn("完了台帳を参照できません", "id", id, "error", err)
				return false
			}
			return done
		}
	}

	loader := dataset.NewLoader(rows, loaderCfg, c.Logger)
	c.Logger.Info("データセットを読み込みました",
		"manifest", cfg.Dataset.ManifestPath,
		"rows", len(rows),
		"pending", loader.Len(),
		"skipped", loader.Skipped(),
		"clip_frames", loaderCfg.ClipFrames,
		"sync_frames", loaderCfg.SyncFrames,
		"audio_samples", cfg.Dataset.AudioSamples(),
	)
	return loader, nil
}

// Close は内部リソースを解放します
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.FailureLog != nil {
		errs = append(errs, c.FailureLog.Close())
	}
	if c.Residency != nil {
		errs = append(errs, c.Residency.Close())
	}
	if c.Ledger != nil {
		errs = append(errs, c.Ledger.Close())
	}
	if c.database != nil {
		c.database.Close()
	}
	if c.runtime != nil {
		errs = append(errs, c.runtime.Close())
	}
	return errors.Join(errs...)
}

func (c *Container) loadEncoders() ([]domain.Encoder, error) {
	rt, err := onnx.NewRuntime(c.Config.Runtime.ORTLibraryPath, c.Options, c.Logger)
	if err != nil {
		return nil, err
	}
	c.runtime = rt

	var overrides []domain.Encoder
	if c.Config.Runtime.TextEmbedBackend == config.TextEmbedBackendOpenAI {
		enc, err := c.newOpenAITextEncoder()
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, enc)
	}
	return onnx.LoadEncoders(rt, c.Logger, overrides...)
}

func (c *Container) newOpenAITextEncoder() (domain.Encoder, error) {
	cfg := c.Config.OpenAI
	client, err := openai.NewClient(cfg.APIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	if err != nil {
		return nil, fmt.Errorf("OpenAI クライアント初期化に失敗しました: %w", err)
	}
	truncator, err := openai.NewTruncator(cfg.MaxInputTokens)
	if err != nil {
		return nil, fmt.Errorf("Truncator 初期化に失敗しました: %w", err)
	}
	return openai.NewTextEncoder(
		domain.CapabilityTextEmbed,
		client,
		cfg.EmbeddingDimension,
		openai.WithRateLimiter(openai.NewRateLimiter(cfg.RequestsPerMinute)),
		openai.WithTruncator(truncator),
	)
}

func (c *Container) newDevice() *accel.Accelerator {
	if c.Options.Device != domain.DeviceKindAccelerator || c.runtime == nil || !c.runtime.CUDAAvailable() {
		if c.Options.Device == domain.DeviceKindAccelerator {
			c.Logger.Warn("アクセラレータが利用できないためホストで実行します")
		}
		return accel.Host()
	}
	capacity := int64(c.Config.Runtime.DeviceMemoryLimitMB) << 20
	return accel.New(fmt.Sprintf("cuda:%d", c.Options.DeviceID), true, capacity)
}

func (c *Container) openCatalog(ctx context.Context) error {
	db, err := OpenDatabase(ctx, c.Config)
	if err != nil {
		return err
	}
	c.database = db

	catalog := pg.NewCatalogRepository(db.Pool)
	if err := catalog.EnsureSchema(ctx); err != nil {
		return err
	}
	c.Catalog = catalog
	return nil
}

// OpenDatabase は設定からカタログ用データベースに接続します
func OpenDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}
	return db, nil
}
