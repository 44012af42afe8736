package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeAPI struct {
	body   string
	err    error
	bucket string
	key    string
}

func (f *fakeAPI) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	if f.err != nil {
		return nil, f.err
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestClient_Fetch(t *testing.T) {
	api := &fakeAPI{body: "sex,const\nF,1\n"}
	c := newWithAPI(api, "bucket", "exports/admissions.csv")

	data, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != api.body {
		t.Errorf("got %q", data)
	}
	if api.bucket != "bucket" || api.key != "exports/admissions.csv" {
		t.Errorf("requested %s/%s", api.bucket, api.key)
	}
	if c.Source() != "s3://bucket/exports/admissions.csv" {
		t.Errorf("unexpected source %q", c.Source())
	}
}

func TestClient_FetchNotFound(t *testing.T) {
	c := newWithAPI(&fakeAPI{err: &types.NoSuchKey{}}, "b", "k")
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestClient_FetchWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	c := newWithAPI(&fakeAPI{err: boom}, "b", "k")
	if _, err := c.Fetch(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AWS_AKEY", "ak")
	t.Setenv("AWS_SKEY", "sk")
	t.Setenv("AWS_BUCKET", "bucket")
	t.Setenv("AWS_FILE", "file.csv")
	t.Setenv("AWS_REGION", "")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")

	cfg := ConfigFromEnv()
	if cfg.Region != DefaultRegion {
		t.Errorf("region = %q, want default", cfg.Region)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"complete", Config{Bucket: "b", Key: "k"}, true},
		{"no bucket", Config{Key: "k"}, false},
		{"no key", Config{Bucket: "b"}, false},
		{"half credentials", Config{Bucket: "b", Key: "k", AccessKey: "a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
