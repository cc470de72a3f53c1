// Package sheets appends rows to a Google Sheets tab.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/rows"
)

// DefaultTab is the tab rows are appended to.
const DefaultTab = "Role Trends Raw"

// valuesAPI is the subset of the Sheets values service the sink needs.
type valuesAPI interface {
	Get(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
	Append(ctx context.Context, spreadsheetID, rng string, values [][]any) (string, error)
}

// Sink appends value rows below the last filled row of a tab.
type Sink struct {
	api           valuesAPI
	spreadsheetID string
	tab           string
	columns       int
	retry         engine.RetryConfig
}

// New authenticates with a service-account JSON blob.
func New(ctx context.Context, credentialsJSON []byte, spreadsheetID, tab string, columns int) (*Sink, error) {
	svc, err := gsheets.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(gsheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return newSink(&serviceAPI{svc: svc}, spreadsheetID, tab, columns), nil
}

func newSink(api valuesAPI, spreadsheetID, tab string, columns int) *Sink {
	if tab == "" {
		tab = DefaultTab
	}
	return &Sink{
		api:           api,
		spreadsheetID: spreadsheetID,
		tab:           tab,
		columns:       columns,
		retry:         engine.DefaultRetryConfig,
	}
}

// FirstEmptyRow returns the 1-based row after the last filled cell in column A.
func (s *Sink) FirstEmptyRow(ctx context.Context) (int, error) {
	vals, err := engine.RetryDo(ctx, s.retry, func() ([][]any, error) {
		return s.api.Get(ctx, s.spreadsheetID, s.quotedTab()+"!A:A")
	})
	if err != nil {
		return 0, fmt.Errorf("read column A: %w", err)
	}
	return len(vals) + 1, nil
}

// Append writes values starting at the first empty row. Values are written
// as-is (RAW). Returns the range the sheet reports as updated.
func (s *Sink) Append(ctx context.Context, values [][]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	start, err := s.FirstEmptyRow(ctx)
	if err != nil {
		return "", err
	}
	rng := fmt.Sprintf("%s!A%d:%s", s.quotedTab(), start, rows.ColumnLetter(s.columns))

	cells := make([][]any, len(values))
	for i, row := range values {
		line := make([]any, len(row))
		for j, v := range row {
			line[j] = v
		}
		cells[i] = line
	}

	updated, err := s.api.Append(ctx, s.spreadsheetID, rng, cells)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", rng, err)
	}
	engine.AddRowsAppended(len(values))
	slog.Info("sheets: rows appended", slog.String("range", updated), slog.Int("rows", len(values)))
	return updated, nil
}

// quotedTab wraps the tab name for A1 notation.
func (s *Sink) quotedTab() string {
	return "'" + strings.ReplaceAll(s.tab, "'", "''") + "'"
}

// serviceAPI adapts the generated client.
type serviceAPI struct {
	svc *gsheets.Service
}

func (a *serviceAPI) Get(ctx context.Context, id, rng string) ([][]any, error) {
	resp, err := a.svc.Spreadsheets.Values.Get(id, rng).Context(ctx).Do()
	if err != nil {
		return nil, statusError(err)
	}
	return resp.Values, nil
}

func (a *serviceAPI) Append(ctx context.Context, id, rng string, values [][]any) (string, error) {
	resp, err := a.svc.Spreadsheets.Values.Append(id, rng, &gsheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", statusError(err)
	}
	if resp.Updates == nil {
		return rng, nil
	}
	return resp.Updates.UpdatedRange, nil
}

// statusError maps API errors onto the retry classifier.
func statusError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%w: %s", &engine.HTTPStatusError{StatusCode: gerr.Code}, gerr.Message)
	}
	return err
}
