package google

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	ports "admissions/internal/sources"
)

// DefaultSheetName is the tab read when GOOGLE_SHEET_NAME is unset.
const DefaultSheetName = "Admissions"

// valuesGetter abstracts the single Sheets call the client makes.
type valuesGetter interface {
	Get(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error)
}

type sheetsValues struct {
	svc *gsheet.Service
}

func (s sheetsValues) Get(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).
		ValueRenderOption("UNFORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Client exports a Google Sheets tab as CSV.
type Client struct {
	values        valuesGetter
	spreadsheetID string
	sheetName     string
	cellRange     string
}

var _ ports.DatasetFetcher = (*Client)(nil)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID
// Optional: GOOGLE_SHEET_NAME (default "Admissions"), GOOGLE_SHEET_RANGE
// (default the whole tab).
// Auth: GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS; failing those, GOOGLE_OAUTH_CLIENT_JSON or
// GOOGLE_OAUTH_CLIENT_FILE with the token in GOOGLE_OAUTH_TOKEN_FILE.
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheetName := strings.TrimSpace(os.Getenv("GOOGLE_SHEET_NAME"))
	if sheetName == "" {
		sheetName = DefaultSheetName
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		values:        sheetsValues{svc: svc},
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		cellRange:     strings.TrimSpace(os.Getenv("GOOGLE_SHEET_RANGE")),
	}, nil
}

// newSheetsService initializes a read-only Sheets Service. Service account
// credentials win; otherwise a user token saved by cmd/sheets-auth is used.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var opts []goption.ClientOption
	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		opts = append(opts, goption.WithCredentialsJSON([]byte(serviceAccountJSON)))
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		credentialsJSON, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		opts = append(opts, goption.WithCredentialsJSON(credentialsJSON))
	default:
		cfg, err := OAuthConfigFromEnv()
		if errors.Is(err, ErrNoOAuthClient) {
			return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, GOOGLE_APPLICATION_CREDENTIALS or an OAuth client and token)")
		}
		if err != nil {
			return nil, err
		}
		tokenFile := TokenFileFromEnv()
		tok, err := LoadToken(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("OAuth token (run sheets-auth first): %w", err)
		}
		slog.InfoContext(ctx, "Using OAuth user token", "path", tokenFile)
		opts = append(opts, goption.WithTokenSource(cfg.TokenSource(ctx, tok)))
	}

	opts = append(opts, goption.WithScopes(gsheet.SpreadsheetsReadonlyScope))
	service, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created successfully")
	return service, nil
}

func (c *Client) rangeRef() string {
	if c.cellRange == "" {
		return c.sheetName
	}
	return c.sheetName + "!" + c.cellRange
}

// Fetch reads the tab and re-encodes it as CSV with the first row as header.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	if c.values == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := c.rangeRef()
	values, err := c.values.Get(ctx, c.spreadsheetID, rng)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("read %s: sheet is empty", rng)
	}
	return valuesToCSV(values)
}

func (c *Client) Source() string {
	return "sheets://" + c.spreadsheetID + "/" + c.rangeRef()
}

// valuesToCSV writes a Sheets values matrix as CSV. The API drops trailing
// empty cells, so rows are padded to the header width; cells past the header
// are dropped. Fully empty rows are skipped.
func valuesToCSV(values [][]interface{}) ([]byte, error) {
	header := toStrings(values[0])
	width := len(header)
	if width == 0 {
		return nil, errors.New("sheet header row is empty")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, raw := range values[1:] {
		row := toStrings(raw)
		if isBlank(row) {
			continue
		}
		out := make([]string, width)
		copy(out, row)
		if err := w.Write(out); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		if v == nil {
			continue
		}
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func isBlank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}
