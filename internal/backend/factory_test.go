package backend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"admissions/internal/adapters"
	"admissions/internal/config"
	"admissions/internal/sources/local"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateBackend_Local(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "admissions.csv"), []byte("sex,const\nM,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := NewFactory(testLogger()).CreateBackend(context.Background(), Config{Type: LocalBackend, DataDirectory: dir})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if _, ok := res.Fetcher.(*local.Fetcher); !ok {
		t.Fatalf("fetcher = %T, want *local.Fetcher", res.Fetcher)
	}
	if res.Repository != nil || res.Cleanup != nil {
		t.Error("no snapshot store expected when snapshots are disabled")
	}

	data, err := res.Fetcher.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasPrefix(string(data), "sex,const") {
		t.Errorf("unexpected data %q", data)
	}
}

func TestCreateBackend_SnapshotWrapping(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "admissions.csv"), []byte("sex,const\nM,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := NewFactory(testLogger()).CreateBackend(context.Background(), Config{
		Type:            LocalBackend,
		DataDirectory:   dir,
		SnapshotEnabled: true,
		SQLiteDBPath:    filepath.Join(dir, "snapshots.db"),
	})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Errorf("Cleanup: %v", err)
		}
	}()

	if _, ok := res.Fetcher.(*adapters.SnapshotFetcher); !ok {
		t.Fatalf("fetcher = %T, want *adapters.SnapshotFetcher", res.Fetcher)
	}
	if res.Repository == nil {
		t.Fatal("expected a repository")
	}
	if err := res.Repository.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if !strings.HasPrefix(res.Fetcher.Source(), "file://") {
		t.Errorf("wrapped source = %q", res.Fetcher.Source())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"local", Config{Type: LocalBackend}, ""},
		{"unknown type", Config{Type: "ftp"}, "invalid backend type"},
		{"s3 without bucket", Config{Type: S3Backend, S3Key: "admissions.csv"}, "AWS_BUCKET"},
		{"s3 half credentials", Config{Type: S3Backend, S3Bucket: "b", S3Key: "k", S3AccessKey: "id"}, "together"},
		{"s3 complete", Config{Type: S3Backend, S3Bucket: "b", S3Key: "k"}, ""},
		{"snapshot without path", Config{Type: LocalBackend, SnapshotEnabled: true}, "SQLite database path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateBackend_InvalidConfig(t *testing.T) {
	_, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: S3Backend})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := &config.Config{
		DataBackend:     "s3",
		AWSBucket:       "exports",
		AWSFile:         "admissions.csv",
		AWSRegion:       "ap-southeast-2",
		SnapshotEnabled: true,
		SQLiteDBPath:    "data/snapshots.db",
	}
	got, err := FromAppConfig(cfg)
	if err != nil {
		t.Fatalf("FromAppConfig: %v", err)
	}
	if got.Type != S3Backend || got.S3Bucket != "exports" || got.S3Key != "admissions.csv" || !got.SnapshotEnabled {
		t.Errorf("unexpected backend config: %+v", got)
	}

	if _, err := FromAppConfig(&config.Config{DataBackend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if strings.Join(GetBackendTypeStrings(), ",") != "local,s3,sheets" {
		t.Errorf("backend types = %v", GetBackendTypeStrings())
	}
}
