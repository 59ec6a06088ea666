package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/rendivia-backend/internal/platform/gcp"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

var newBucketService = gcp.NewBucketService

type StorageBootstrapErrorCode string

const (
	StorageBootstrapInvalidMode         StorageBootstrapErrorCode = "invalid_mode"
	StorageBootstrapMissingEmulatorHost StorageBootstrapErrorCode = "missing_emulator_host"
	StorageBootstrapInvalidURL          StorageBootstrapErrorCode = "invalid_url"
	StorageBootstrapConnectFailed       StorageBootstrapErrorCode = "connect_failed"
)

type StorageBootstrapError struct {
	Code         StorageBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf("object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code, e.Mode, e.EmulatorHost, e.Cause)
}

func (e *StorageBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveBucketService builds the artifact bucket for the configured storage
// mode (GCS or the fake-gcs emulator).
func resolveBucketService(ctx context.Context, log *logger.Logger, cfg Config) (gcp.BucketService, error) {
	storageCfg, err := gcp.ResolveObjectStorageConfig(
		cfg.ObjectStorageMode,
		cfg.StorageEmulatorHost,
		cfg.ObjectStoragePublicBaseURL,
		cfg.GCPCredentials,
	)
	if err != nil {
		classified := classifyStorageBootstrapError(storageCfg, err)
		log.Error("Object storage provider selection failed",
			"mode", storageCfg.Mode,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", classified.Code,
			"error", err,
		)
		return nil, classified
	}

	log.Info("Selecting object storage provider",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"emulator_host", storageCfg.EmulatorHost,
		"bucket", cfg.Bucket.Name,
	)
	bucket, err := newBucketService(ctx, log, storageCfg, cfg.Bucket)
	if err != nil {
		classified := classifyStorageBootstrapError(storageCfg, err)
		log.Error("Object storage provider bootstrap failed",
			"mode", storageCfg.Mode,
			"error_code", classified.Code,
			"error", err,
		)
		return nil, classified
	}
	return bucket, nil
}

func classifyStorageBootstrapError(storageCfg gcp.ObjectStorageConfig, err error) *StorageBootstrapError {
	out := &StorageBootstrapError{
		Code:         StorageBootstrapConnectFailed,
		Mode:         string(storageCfg.Mode),
		EmulatorHost: storageCfg.EmulatorHost,
		Cause:        err,
	}
	var cfgErr *gcp.ObjectStorageConfigError
	if !errors.As(err, &cfgErr) {
		return out
	}
	switch {
	case cfgErr.Field == "OBJECT_STORAGE_MODE":
		out.Code = StorageBootstrapInvalidMode
	case cfgErr.Field == "STORAGE_EMULATOR_HOST" && cfgErr.Value == "":
		out.Code = StorageBootstrapMissingEmulatorHost
	default:
		out.Code = StorageBootstrapInvalidURL
	}
	return out
}
