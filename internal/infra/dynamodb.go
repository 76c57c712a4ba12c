// README: DynamoDB client for the delivered-order billing ledger.
package infra

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// NewDynamoDB builds a client for region. A non-empty endpoint points the
// client at a local DynamoDB, which needs static (ignored) credentials.
func NewDynamoDB(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			envOrLocal("AWS_ACCESS_KEY_ID"),
			envOrLocal("AWS_SECRET_ACCESS_KEY"),
			"",
		)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func envOrLocal(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return "local"
}
