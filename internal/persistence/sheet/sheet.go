// Package sheet mirrors normalized records into a remote Google spreadsheet.
package sheet

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/google"
	sheetsapi "google.golang.org/api/sheets/v4"
	"google.golang.org/api/option"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/persistence"
)

const (
	worksheet   = "crypto_calls"
	callTimeout = 15 * time.Second
)

// Sink appends rows to a worksheet through the Sheets API. The worksheet
// and header row are created lazily on the first write. A circuit breaker
// sheds writes after repeated failures so a dead remote cannot stall the
// pipeline; an open breaker surfaces as an ordinary append failure.
type Sink struct {
	mu            sync.Mutex
	service       *sheetsapi.Service
	spreadsheetID string
	breaker       *gobreaker.CircuitBreaker
	ready         bool
}

// New builds the API client from a service-account credential file.
func New(ctx context.Context, spreadsheetID, credentialsPath string) (*Sink, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	creds, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	jwt, err := google.JWTConfigFromJSON(creds, sheetsapi.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
	}
	service, err := sheetsapi.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to build sheets client: %w", err)
	}

	settings := gobreaker.Settings{Name: "sheets"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Sink{
		service:       service,
		spreadsheetID: spreadsheetID,
		breaker:       gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Name identifies the sink in health reports.
func (s *Sink) Name() string { return "sheets" }

// AppendRow writes one record in the stable column order.
func (s *Sink) AppendRow(ctx context.Context, call domain.CryptoCall) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		if err := s.ensureWorksheet(ctx); err != nil {
			return nil, err
		}
		row := persistence.ProjectRow(call)
		for i, v := range row {
			// The API wants empty cells, not nulls.
			if v == nil {
				row[i] = ""
			}
		}
		values := &sheetsapi.ValueRange{Values: [][]interface{}{row}}
		_, err := s.service.Spreadsheets.Values.
			Append(s.spreadsheetID, worksheet+"!A1", values).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to append sheet row: %w", err)
		}
		return nil, nil
	})
	return err
}

// ensureWorksheet creates the worksheet and header on first use. Runs
// inside the breaker so remote failures here count against it too.
func (s *Sink) ensureWorksheet(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to fetch spreadsheet: %w", err)
	}
	exists := false
	for _, sh := range spreadsheet.Sheets {
		if sh.Properties != nil && sh.Properties.Title == worksheet {
			exists = true
			break
		}
	}
	if !exists {
		req := &sheetsapi.BatchUpdateSpreadsheetRequest{
			Requests: []*sheetsapi.Request{{
				AddSheet: &sheetsapi.AddSheetRequest{
					Properties: &sheetsapi.SheetProperties{Title: worksheet},
				},
			}},
		}
		if _, err := s.service.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create worksheet: %w", err)
		}
	}

	header, err := s.service.Spreadsheets.Values.
		Get(s.spreadsheetID, worksheet+"!A1:L1").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read header row: %w", err)
	}
	if len(header.Values) == 0 {
		row := make([]interface{}, len(persistence.RowProjection))
		for i, name := range persistence.RowProjection {
			row[i] = name
		}
		values := &sheetsapi.ValueRange{Values: [][]interface{}{row}}
		_, err := s.service.Spreadsheets.Values.
			Update(s.spreadsheetID, worksheet+"!A1", values).
			ValueInputOption("RAW").
			Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to write header row: %w", err)
		}
	}
	s.ready = true
	return nil
}

// Close has nothing to release; the HTTP client needs no shutdown.
func (s *Sink) Close() error { return nil }
