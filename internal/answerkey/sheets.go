package answerkey

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/api/sheets/v4"

	"github.com/pavelanni/mockexam/internal/gcp"
	"github.com/pavelanni/mockexam/internal/grading"
)

// SheetsSource reads an answer key from a Google Sheets range such as
// "Key!A1:C80".
type SheetsSource struct {
	SpreadsheetID string
	Range         string
	Credentials   gcp.Credentials
}

// Load implements Source.
func (s SheetsSource) Load(ctx context.Context) ([]grading.AnswerKeyEntry, error) {
	opts, err := s.Credentials.ClientOptions(ctx, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, err
	}
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	resp, err := srv.Spreadsheets.Values.Get(s.SpreadsheetID, s.Range).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", s.Range, err)
	}
	slog.Debug("fetched answer key range", "spreadsheet", s.SpreadsheetID, "range", resp.Range, "rows", len(resp.Values))

	return ParseRows(stringRows(resp.Values))
}

// stringRows flattens the API's cell values to strings. The API omits
// trailing empty cells, so rows may be ragged.
func stringRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		row := make([]string, len(v))
		for i, c := range v {
			if c != nil {
				row[i] = fmt.Sprint(c)
			}
		}
		rows = append(rows, row)
	}
	return rows
}
