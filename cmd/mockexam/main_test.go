package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root.Execute()
}

func TestNormalizeBasePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"mock", "/mock"},
		{"/mock/", "/mock"},
		{"/a/b", "/a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeBasePath(tt.in), "input %q", tt.in)
	}
}

func TestSeedAdmin(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, seedAdmin(db, ""), "empty password must be rejected on an empty database")

	require.NoError(t, seedAdmin(db, "s3cret-pass"))
	u, err := db.GetUserByUsername("admin")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, model.UserRoleAdmin, u.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cret-pass")))

	// A second run is a no-op even without a password.
	require.NoError(t, seedAdmin(db, ""))
	n, err := db.UserCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGradeCommandWithKeyFile(t *testing.T) {
	dir := t.TempDir()
	responses := writeFile(t, dir, "responses.json", `["a", "b", "paris"]`)
	key := writeFile(t, dir, "key.json", `[
		{"answer": "a", "skill": "grammar", "points": 1},
		{"answer": "c", "skill": "grammar", "points": 1},
		{"answer": "paris", "skill": "reading", "points": 2}
	]`)
	out := filepath.Join(dir, "result.json")

	require.NoError(t, execute(t, "grade", responses, "--key", key, "-o", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got GradeOutput
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got.CorrectCount)
	assert.Equal(t, 3, got.TotalQuestions)
	assert.InDelta(t, 3.0, got.TotalScore, 1e-9)
	assert.InDelta(t, 75.0, got.Percent, 1e-9)
	require.Len(t, got.WrongAnswers, 1)
	assert.Equal(t, 2, got.WrongAnswers[0].QuestionNumber)
}

func TestSyncKeyAndGradeFromStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mockexam.db")
	key := writeFile(t, dir, "key.json", `[{"answer": "b"}, {"answer": "true/t"}]`)

	require.NoError(t, execute(t, "sync-key", "--db", dbPath, "--section", "listening", "--file", key))
	// Unchanged key is skipped without error.
	require.NoError(t, execute(t, "sync-key", "--db", dbPath, "--section", "listening", "--file", key))

	responses := writeFile(t, dir, "responses.json", `["B", "t"]`)
	out := filepath.Join(dir, "result.json")
	require.NoError(t, execute(t, "grade", responses, "--db", dbPath, "--section", "listening", "-o", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got GradeOutput
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got.CorrectCount)
	assert.InDelta(t, 100.0, got.Percent, 1e-9)
}

func TestSyncKeyRejectsSubjectiveSection(t *testing.T) {
	dir := t.TempDir()
	key := writeFile(t, dir, "key.json", `[{"answer": "b"}]`)
	err := execute(t, "sync-key", "--db", filepath.Join(dir, "x.db"), "--section", "writing", "--file", key)
	assert.Error(t, err)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mockexam.db")
	db, err := store.New(dbPath)
	require.NoError(t, err)
	classID, err := db.CreateClass(model.Class{Name: "IELTS B2"})
	require.NoError(t, err)
	studentID, err := db.CreateStudent(model.Student{ClassID: classID, FullName: "Lan Nguyen"})
	require.NoError(t, err)
	_, err = db.CreateAttempt(studentID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out := filepath.Join(dir, "export.json")
	require.NoError(t, execute(t, "export", "--db", dbPath, "--school", "Test School", "-o", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got model.AttemptExport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Test School", got.School)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "Lan Nguyen", got.Results[0].StudentName)
	assert.Equal(t, "IELTS B2", got.Results[0].ClassName)
	assert.Equal(t, 1, got.Results[0].AttemptNumber)
	assert.Equal(t, model.StatusInProgress, got.Results[0].Status)
}
