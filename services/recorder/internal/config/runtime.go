package config

import (
	"fmt"
	"path/filepath"
	"time"

	"recapai/internal/servicetoken"
	"recapai/pkg/domain"
	"recapai/services/recorder/internal/app"
)

// ServiceIssuer names the recorder in the service tokens it signs.
const ServiceIssuer = "recorder"

// AppConfig translates the file configuration into the core's runtime
// configuration. A configured private key switches the processor credential
// from the static API key to signed service tokens.
func (c FileConfig) AppConfig() (app.Config, error) {
	out := app.Config{
		DatabaseURL:   c.DatabaseURL,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,

		EncryptionKey:  c.EncryptionKey,
		StorageBackend: c.StorageBackend,
		StorageDir:     c.StorageDir,
		StagingDir:     c.StagingDir,
		MinioEndpoint:  c.MinioEndpoint,
		MinioAccessKey: c.MinioAccessKey,
		MinioSecretKey: c.MinioSecretKey,
		MinioBucket:    c.MinioBucket,
		MinioUseSSL:    c.MinioUseSSL,

		ProcessorURL:      c.ProcessorURL,
		ProcessorAPIKey:   c.ProcessorAPIKey,
		ProcessorAudience: firstSet(c.ProcessorAudience, "processor"),
		SubmitTimeout:     Duration(c.SubmitTimeout, 30*time.Minute),
		CallTimeout:       Duration(c.CallTimeout, 15*time.Second),

		PollStream:      c.PollStream,
		PollInterval:    Duration(c.PollInterval, 15*time.Second),
		PollConcurrency: c.PollConcurrency,
		PollMaxFailures: c.PollMaxFailures,

		NotifyChannel:          c.NotifyChannel,
		AMQPURL:                c.AMQPURL,
		AMQPExchange:           c.AMQPExchange,
		UploadRateLimitPerHour: c.UploadRateLimitPerHour,

		RetentionInterval: Duration(c.RetentionInterval, time.Hour),
		RetentionLockPath: c.RetentionLockPath,

		Options: app.Options{
			Defaults: domain.SystemSettings{
				MaxUploadBytes:          c.MaxUploadBytes,
				QuotaBytes:              c.QuotaBytes,
				AudioRetentionDays:      c.AudioRetentionDays,
				TaskRetentionDays:       c.TaskRetentionDays,
				TranscriptRetentionDays: c.TranscriptRetentionDays,
			},
			AllowedExtensions: c.AllowedExtensions,
			UploadIdleTimeout: Duration(c.UploadIdleTimeout, 30*time.Second),
			Stale: app.StaleTimeouts{
				Submission: Duration(c.SubmissionTimeout, 10*time.Minute),
				Processing: Duration(c.ProcessingTimeout, 6*time.Hour),
			},
		},
	}
	if out.RetentionLockPath == "" && c.StorageDir != "" {
		out.RetentionLockPath = filepath.Join(c.StorageDir, ".retention.lock")
	}
	if c.InternalJWTPrivateKeyPath != "" {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			PrivateKeyPath: c.InternalJWTPrivateKeyPath,
			KeyID:          c.InternalJWTKeyID,
			Issuer:         firstSet(c.InternalJWTIssuer, ServiceIssuer),
		})
		if err != nil {
			return out, fmt.Errorf("init processor signer: %w", err)
		}
		out.ProcessorSigner = signer
	}
	return out, nil
}

// VerifyKeys parses internalJwtVerifyPublicKeys ("kid=path,kid=path").
func (c FileConfig) VerifyKeys() (map[string]string, error) {
	keys, err := servicetoken.ParseVerifyPublicKeys(c.InternalJWTVerifyPublicKeys)
	if err != nil {
		return nil, fmt.Errorf("parse internalJwtVerifyPublicKeys: %w", err)
	}
	return keys, nil
}

func firstSet(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
