// Package aws wraps AWS SDK clients with the resilience patterns used
// across the project.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Config holds AWS configuration
type Config struct {
	Region string

	// BaseEndpoint, when non-empty, routes every SDK client to a fixed
	// endpoint (LocalStack and tests).
	BaseEndpoint string
}

// LoadAWSConfig loads AWS SDK configuration using default credential chain
// (environment variables, shared credentials file, IAM roles, etc.)
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.BaseEndpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.BaseEndpoint)
	}
	return awsCfg, nil
}
