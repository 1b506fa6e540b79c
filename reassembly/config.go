package reassembly

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goenv "github.com/Netflix/go-env"
	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/lock"
	"github.com/bitrise-io/go-chunkmerge/request"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

var validate = validator.New()

// Config ...
type Config struct {
	StorageRoot    string `env:"CHUNK_STORAGE_ROOT,default=storage/app" validate:"required"`
	ChunkDirectory string `env:"CHUNK_DIRECTORY,default=chunks" validate:"required"`

	// UseSessionForName and UseBrowserInfoForName select the qualifiers added to the
	// session prefix, see Qualifiers.
	UseSessionForName     bool `env:"CHUNK_USE_SESSION_FOR_NAME,default=false"`
	UseBrowserInfoForName bool `env:"CHUNK_USE_BROWSER_INFO_FOR_NAME,default=false"`

	CompletionPolicy CompletionPolicy `env:"CHUNK_COMPLETION_POLICY,default=count" validate:"oneof=count coverage"`

	// MergeBufferSizeValue is a human readable size such as 512KiB or 4MB.
	MergeBufferSizeValue string `env:"CHUNK_MERGE_BUFFER_SIZE,default=1MiB"`
	MergeBufferSize      int    `validate:"gt=0"`

	LockTTL          time.Duration `env:"CHUNK_LOCK_TTL,default=2m" validate:"gt=0"`
	LockPollInterval time.Duration `env:"CHUNK_LOCK_POLL_INTERVAL,default=100ms" validate:"gt=0"`
	RedisAddr        string        `env:"CHUNK_REDIS_ADDR"`

	StorageBackend    string `env:"CHUNK_STORAGE_BACKEND,default=local" validate:"oneof=local s3"`
	S3Bucket          string `env:"CHUNK_S3_BUCKET" validate:"required_if=StorageBackend s3"`
	S3Region          string `env:"CHUNK_S3_REGION" validate:"required_if=StorageBackend s3"`
	S3AccessKeyID     string `env:"CHUNK_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"CHUNK_S3_SECRET_ACCESS_KEY"`
}

// LoadConfig reads the configuration from envRepo. Keys envRepo does not define are
// looked up in the given .env files.
func LoadConfig(envRepo env.Repository, dotEnvFiles ...string) (Config, error) {
	values := goenv.EnvSet{}

	if len(dotEnvFiles) > 0 {
		fileValues, err := godotenv.Read(dotEnvFiles...)
		if err != nil {
			return Config{}, fmt.Errorf("read env files: %w", err)
		}
		for key, value := range fileValues {
			values[key] = value
		}
	}

	repoValues, err := goenv.EnvironToEnvSet(envRepo.List())
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	for key, value := range repoValues {
		values[key] = value
	}

	var cfg Config
	if err := goenv.Unmarshal(values, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	bufferSize, err := units.RAMInBytes(cfg.MergeBufferSizeValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid CHUNK_MERGE_BUFFER_SIZE %q: %w", cfg.MergeBufferSizeValue, err)
	}
	cfg.MergeBufferSize = int(bufferSize)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ...
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Qualifiers returns the request qualifiers the config enables. sessionID resolves the
// server session of a request and is only called when UseSessionForName is set.
func (c Config) Qualifiers(sessionID func(*http.Request) (string, error)) request.Qualifiers {
	return request.Qualifiers{
		UseSession: c.UseSessionForName,
		SessionID:  sessionID,
		UseBrowser: c.UseBrowserInfoForName,
	}
}

// NewStore returns the store selected by CHUNK_STORAGE_BACKEND.
func NewStore(ctx context.Context, cfg Config, logger log.Logger) (chunkstore.Store, error) {
	switch cfg.StorageBackend {
	case BackendS3:
		return chunkstore.NewS3Store(ctx, chunkstore.S3StoreParams{
			Bucket:          cfg.S3Bucket,
			Directory:       cfg.ChunkDirectory,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, logger)
	case BackendLocal, "":
		return chunkstore.NewLocalStore(cfg.StorageRoot, cfg.ChunkDirectory, logger, chunkstore.WithBufferSize(cfg.MergeBufferSize))
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

// NewLocker returns a Redis backed locker when CHUNK_REDIS_ADDR is set, an in-process one otherwise.
func NewLocker(ctx context.Context, cfg Config, logger log.Logger) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewMemoryLocker(), nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockPollInterval, logger), nil
}
