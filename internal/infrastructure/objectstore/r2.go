package objectstore

import (
	"context"
	"fmt"

	"modledger/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Endpoint returns the S3 API endpoint for cfg: the explicit endpoint when
// set, otherwise the Cloudflare R2 endpoint of the account.
func Endpoint(cfg *config.ArchiveConfig) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
}

// NewClient builds an S3 client for an R2 (or any S3 compatible) bucket
// using static credentials.
func NewClient(ctx context.Context, cfg *config.ArchiveConfig) (*s3.Client, error) {
	if cfg.Endpoint == "" && cfg.AccountID == "" {
		return nil, fmt.Errorf("archive needs account_id or endpoint")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}

	endpoint := Endpoint(cfg)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
