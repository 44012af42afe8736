// Command sheets-auth authorizes read access to the admissions spreadsheet
// with a Google user account and saves the token for DATA_BACKEND=sheets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"admissions/internal/cli"
	applog "admissions/internal/log"
	gsheet "admissions/internal/sources/google"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentBackend)

	cfg, err := gsheet.OAuthConfigFromEnv()
	if err != nil {
		cli.Fatal(logger, "OAuth client configuration failed", err)
	}

	// The OAuth client must list http://localhost:<port>/callback as an
	// authorized redirect URI.
	redirectPort := os.Getenv("OAUTH_REDIRECT_PORT")
	if redirectPort == "" {
		redirectPort = "8085"
	}
	cfg.RedirectURL = "http://localhost:" + redirectPort + "/callback"

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "OAuth error: "+q.Get("error"), http.StatusBadRequest)
			errCh <- errors.New(q.Get("error"))
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
		default:
			fmt.Fprintln(w, "You may close this window and return to the terminal.")
			codeCh <- q.Get("code")
		}
	})
	srv := &http.Server{Addr: "localhost:" + redirectPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer srv.Close()

	fmt.Printf("Open this URL to authorize:\n%s\n", cfg.AuthCodeURL(state, oauth2.AccessTypeOffline))

	ctx, stop := cli.GracefulShutdown(logger)
	defer stop()

	select {
	case code := <-codeCh:
		exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := cfg.Exchange(exchangeCtx, code)
		if err != nil {
			cli.Fatal(logger, "Token exchange failed", err)
		}
		outFile := gsheet.TokenFileFromEnv()
		if err := gsheet.SaveToken(outFile, tok); err != nil {
			cli.Fatal(logger, "Saving token failed", err)
		}
		logger.Info("Saved OAuth token", "path", outFile)
	case err := <-errCh:
		cli.Fatal(logger, "Authorization failed", err)
	case <-time.After(5 * time.Minute):
		cli.Fatal(logger, "Authorization timed out", context.DeadlineExceeded)
	case <-ctx.Done():
		cli.Fatal(logger, "Authorization interrupted", ctx.Err())
	}
}
