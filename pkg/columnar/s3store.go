package columnar

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// s3Factory builds the lode.StoreFactory for the s3 backend, grounded
// on pithecene-io-quarry/quarry/lode/client_s3.go's NewLodeS3Client:
// load the AWS SDK's default credential chain (optionally pinned to
// cfg.Region), build an *s3.Client from it, and close over an
// lodes3.New call returning a fresh lode.Store per factory invocation.
func s3Factory(cfg Config) (lode.StoreFactory, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("columnar: s3 backend requires a bucket")
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("columnar: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	}, nil
}
