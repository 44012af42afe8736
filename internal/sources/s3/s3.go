package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	ports "admissions/internal/sources"
)

// DefaultRegion is the bucket region used when AWS_REGION is unset.
const DefaultRegion = "eu-central-1"

// ErrObjectNotFound is returned when the configured object does not exist.
var ErrObjectNotFound = errors.New("s3 object not found")

// Config locates the dataset object.
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
	Region    string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string
}

// Validate reports missing settings.
func (c Config) Validate() error {
	var missing []string
	if c.Bucket == "" {
		missing = append(missing, "AWS_BUCKET")
	}
	if c.Key == "" {
		missing = append(missing, "AWS_FILE")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		missing = append(missing, "AWS_AKEY and AWS_SKEY must be set together")
	}
	if len(missing) > 0 {
		return fmt.Errorf("s3 config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ConfigFromEnv reads AWS_AKEY, AWS_SKEY, AWS_BUCKET, AWS_FILE, AWS_REGION
// and S3_ENDPOINT.
func ConfigFromEnv() Config {
	region := strings.TrimSpace(os.Getenv("AWS_REGION"))
	if region == "" {
		region = DefaultRegion
	}
	return Config{
		AccessKey: strings.TrimSpace(os.Getenv("AWS_AKEY")),
		SecretKey: strings.TrimSpace(os.Getenv("AWS_SKEY")),
		Bucket:    strings.TrimSpace(os.Getenv("AWS_BUCKET")),
		Key:       strings.TrimSpace(os.Getenv("AWS_FILE")),
		Region:    region,
		Endpoint:  strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
	}
}

// getObjectAPI is the subset of the S3 client the fetcher needs.
type getObjectAPI interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Client downloads the dataset export from a bucket.
type Client struct {
	api    getObjectAPI
	bucket string
	key    string
}

var _ ports.DatasetFetcher = (*Client)(nil)

// New builds a client from cfg. Static keys are used when given, otherwise
// the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.InfoContext(ctx, "Initialized S3 dataset source",
		"bucket", cfg.Bucket,
		"key", cfg.Key,
		"region", cfg.Region,
		"custom_endpoint", cfg.Endpoint != "",
		"static_credentials", cfg.AccessKey != "")

	return newWithAPI(api, cfg.Bucket, cfg.Key), nil
}

// NewFromEnv builds a client from the environment.
func NewFromEnv(ctx context.Context) (*Client, error) {
	return New(ctx, ConfigFromEnv())
}

func newWithAPI(api getObjectAPI, bucket, key string) *Client {
	return &Client{api: api, bucket: bucket, key: key}
}

func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, c.Source())
		}
		return nil, fmt.Errorf("get %s: %w", c.Source(), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.Source(), err)
	}
	slog.DebugContext(ctx, "Downloaded dataset object", "source", c.Source(), "bytes", len(data))
	return data, nil
}

func (c *Client) Source() string {
	return "s3://" + c.bucket + "/" + c.key
}
