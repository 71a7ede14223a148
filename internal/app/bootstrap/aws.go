package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/callpilot/internal/archive"
	appconfig "github.com/wolfman30/callpilot/internal/config"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so LocalStack and
// production share the same wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, loaders...)
}

// BuildTranscriptArchive returns the S3 call archive. With no bucket
// configured the archive is disabled and no AWS config is loaded.
func BuildTranscriptArchive(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*archive.TranscriptArchive, error) {
	bucket := strings.TrimSpace(cfg.TranscriptArchiveBucket)
	if bucket == "" {
		return archive.NewTranscriptArchive(nil, "", logger), nil
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Info("transcript archive enabled", "bucket", bucket)
	return archive.NewTranscriptArchive(client, bucket, logger), nil
}
