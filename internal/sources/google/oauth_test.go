package google

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

const testOAuthClient = `{"installed":{"client_id":"dashboard.apps.googleusercontent.com","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`

func TestOAuthConfigFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_OAUTH_CLIENT_JSON", testOAuthClient)
	t.Setenv("GOOGLE_OAUTH_CLIENT_FILE", "")

	cfg, err := OAuthConfigFromEnv()
	if err != nil {
		t.Fatalf("OAuthConfigFromEnv: %v", err)
	}
	if cfg.ClientID != "dashboard.apps.googleusercontent.com" {
		t.Errorf("client id = %q", cfg.ClientID)
	}
	if len(cfg.Scopes) != 1 || !strings.HasSuffix(cfg.Scopes[0], "spreadsheets.readonly") {
		t.Errorf("scopes = %v, want read-only sheets", cfg.Scopes)
	}
}

func TestOAuthConfigFromEnv_Missing(t *testing.T) {
	t.Setenv("GOOGLE_OAUTH_CLIENT_JSON", "")
	t.Setenv("GOOGLE_OAUTH_CLIENT_FILE", "")

	if _, err := OAuthConfigFromEnv(); err != ErrNoOAuthClient {
		t.Fatalf("err = %v, want ErrNoOAuthClient", err)
	}
}

func TestNewFromEnv_OAuthWithoutToken(t *testing.T) {
	t.Setenv("GOOGLE_SPREADSHEET_ID", "test-id")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_JSON", "")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_FILE", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("GOOGLE_OAUTH_CLIENT_JSON", testOAuthClient)
	t.Setenv("GOOGLE_OAUTH_TOKEN_FILE", filepath.Join(t.TempDir(), "missing.json"))

	_, err := NewFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sheets-auth") {
		t.Fatalf("expected a missing token error, got %v", err)
	}
}

func TestSaveAndLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour).Round(time.Second)}

	if err := SaveToken(path, tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if got.RefreshToken != "refresh" || !got.Expiry.Equal(tok.Expiry) {
		t.Errorf("loaded token = %+v", got)
	}

	if err := SaveToken(path, &oauth2.Token{}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadToken(path); err == nil {
		t.Error("expected error for an empty token")
	}
}

func TestTokenFileFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_OAUTH_TOKEN_FILE", "")
	if got := TokenFileFromEnv(); got != DefaultTokenFile {
		t.Errorf("default = %q", got)
	}
	t.Setenv("GOOGLE_OAUTH_TOKEN_FILE", "/secrets/sheets.json")
	if got := TokenFileFromEnv(); got != "/secrets/sheets.json" {
		t.Errorf("override = %q", got)
	}
}
