// Package answerkey turns answer-key rows from a spreadsheet or a JSON file
// into typed grading.AnswerKeyEntry values.
package answerkey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pavelanni/mockexam/internal/grading"
)

// ErrNoRows is returned when a source yields no data rows.
var ErrNoRows = errors.New("answer key has no rows")

// Source loads an answer key.
type Source interface {
	Load(ctx context.Context) ([]grading.AnswerKeyEntry, error)
}

var (
	answerHeaders = []string{"result", "answer", "expected", "expected answer", "key"}
	skillHeaders  = []string{"skill", "section", "type"}
	pointHeaders  = []string{"point", "points", "score", "weight"}
)

type columns struct {
	answer, skill, points int
}

// ParseRows converts raw rows into key entries. A first row naming the
// answer column is treated as a header; otherwise columns are positional
// (answer, skill, points). Blank answers are kept so that entry i still
// lines up with response i.
func ParseRows(rows [][]string) ([]grading.AnswerKeyEntry, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	cols := columns{answer: 0, skill: 1, points: 2}
	if hdr, ok := detectHeader(rows[0]); ok {
		cols = hdr
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	entries := make([]grading.AnswerKeyEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, grading.AnswerKeyEntry{
			ExpectedAnswer: strings.TrimSpace(cell(row, cols.answer)),
			Skill:          strings.TrimSpace(cell(row, cols.skill)),
			Points:         parsePoints(cell(row, cols.points)),
		})
	}
	return entries, nil
}

func detectHeader(row []string) (columns, bool) {
	cols := columns{answer: -1, skill: -1, points: -1}
	for i, c := range row {
		name := strings.ToLower(strings.TrimSpace(c))
		switch {
		case cols.answer < 0 && contains(answerHeaders, name):
			cols.answer = i
		case cols.skill < 0 && contains(skillHeaders, name):
			cols.skill = i
		case cols.points < 0 && contains(pointHeaders, name):
			cols.points = i
		}
	}
	return cols, cols.answer >= 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// parsePoints returns 0 for blank or malformed cells; the grader applies
// its default weight to those.
func parsePoints(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p < 0 {
		return 0
	}
	return p
}

// Hash returns a stable fingerprint of a key, used to detect changes.
func Hash(entries []grading.AnswerKeyEntry) string {
	data, _ := json.Marshal(entries)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileSource reads a JSON array of {"answer", "skill", "points"} objects.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load(_ context.Context) ([]grading.AnswerKeyEntry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return DecodeJSON(data)
}

// DecodeJSON parses a JSON answer key.
func DecodeJSON(data []byte) ([]grading.AnswerKeyEntry, error) {
	var entries []grading.AnswerKeyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse answer key: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoRows
	}
	for i := range entries {
		entries[i].ExpectedAnswer = strings.TrimSpace(entries[i].ExpectedAnswer)
		entries[i].Skill = strings.TrimSpace(entries[i].Skill)
	}
	return entries, nil
}
