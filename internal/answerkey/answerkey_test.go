package answerkey

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/mockexam/internal/grading"
)

func TestParseRowsWithHeader(t *testing.T) {
	rows := [][]string{
		{"No.", "Result", "Skill", "Point"},
		{"1", " B ", "Grammar", "1"},
		{"2", "paris", "Reading", "2,5"},
		{"3", "", "Grammar"},
		{"4", "true, yes"},
	}
	entries, err := ParseRows(rows)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, grading.AnswerKeyEntry{ExpectedAnswer: "B", Skill: "Grammar", Points: 1}, entries[0])
	assert.Equal(t, 2.5, entries[1].Points)
	assert.Equal(t, "", entries[2].ExpectedAnswer)
	assert.Equal(t, grading.AnswerKeyEntry{ExpectedAnswer: "true, yes"}, entries[3])
}

func TestParseRowsPositional(t *testing.T) {
	entries, err := ParseRows([][]string{
		{"a", "Grammar", "x"},
		{"c/d", "Reading", "3"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0.0, entries[0].Points, "malformed points fall back to the grader default")
	assert.Equal(t, 3.0, entries[1].Points)
}

func TestParseRowsEmpty(t *testing.T) {
	_, err := ParseRows(nil)
	assert.ErrorIs(t, err, ErrNoRows)

	_, err = ParseRows([][]string{{"answer", "skill", "points"}})
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestParsedKeyGrades(t *testing.T) {
	entries, err := ParseRows([][]string{
		{"result", "skill", "point"},
		{"b", "Grammar", "1"},
		{"paris", "Reading", "2"},
		{"", "Grammar", "1"},
	})
	require.NoError(t, err)

	res := grading.Grade([]string{"B", "Paris", "x"}, entries)
	assert.Equal(t, 2, res.CorrectCount)
	assert.Equal(t, 3.0, res.TotalScore)
	assert.Equal(t, 2, res.TotalQuestions)
}

func TestStringRows(t *testing.T) {
	rows := stringRows([][]interface{}{{"a", 1.5, nil}, {}})
	assert.Equal(t, [][]string{{"a", "1.5", ""}, {}}, rows)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	data := `[{"answer":" a ","skill":"Grammar","points":1},{"answer":"london","skill":"Reading"}]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	entries, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ExpectedAnswer)
	assert.Equal(t, 0.0, entries[1].Points)

	_, err = DecodeJSON([]byte(`[]`))
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestHashStable(t *testing.T) {
	a := []grading.AnswerKeyEntry{{ExpectedAnswer: "a", Skill: "G", Points: 1}}
	b := []grading.AnswerKeyEntry{{ExpectedAnswer: "a", Skill: "G", Points: 1}}
	c := []grading.AnswerKeyEntry{{ExpectedAnswer: "b", Skill: "G", Points: 1}}
	assert.Equal(t, Hash(a), Hash(b))
	assert.NotEqual(t, Hash(a), Hash(c))
}
