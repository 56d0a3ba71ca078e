package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/mockexam/internal/answerkey"
	"github.com/pavelanni/mockexam/internal/band"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/store"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "mockexam.db", "SQLite database path")
	f.String("school", "", "School name for output")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <responses.json>",
		Short: "Grade a JSON array of responses against an answer key",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("db", "mockexam.db", "SQLite database path (used when --key is not given)")
	f.String("key", "", "Answer key JSON file")
	f.String("section", string(model.StageGrammarReading), "Stored section key to grade against (grammar_reading, listening)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func syncKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-key",
		Short: "Import an objective section's answer key from Google Sheets or a JSON file",
		RunE:  runSyncKey,
	}
	f := cmd.Flags()
	f.String("db", "mockexam.db", "SQLite database path")
	f.String("section", "", "Section to update (grammar_reading, listening)")
	f.String("spreadsheet", "", "Google Sheets spreadsheet ID")
	f.String("range", "Key!A1:C200", "Sheet range holding the key")
	f.String("file", "", "Answer key JSON file (instead of a spreadsheet)")
	f.String("google-credentials", "", "Service account JSON for Google APIs (default: application default credentials)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAttempts()
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	export := model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		School:     v.GetString("school"),
		Results:    results,
	}
	return writeJSONOutput(v.GetString("output"), export)
}

// GradeOutput is the grade command's result document.
type GradeOutput struct {
	grading.Result
	Percent float64 `json:"percent"`
	Band    float64 `json:"band"`
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read responses: %w", err)
	}
	var responses []string
	if err := json.Unmarshal(data, &responses); err != nil {
		return fmt.Errorf("parse responses %s: %w", args[0], err)
	}

	var key []grading.AnswerKeyEntry
	if path := v.GetString("key"); path != "" {
		key, err = answerkey.FileSource{Path: path}.Load(cmd.Context())
		if err != nil {
			return err
		}
	} else {
		section := model.Stage(v.GetString("section"))
		if !section.Objective() {
			return fmt.Errorf("section %q has no answer key", section)
		}
		db, err := store.New(v.GetString("db"))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		key, err = db.GetAnswerKey(string(section))
		if err != nil {
			return fmt.Errorf("get answer key: %w", err)
		}
		if len(key) == 0 {
			return fmt.Errorf("no answer key stored for %s", section)
		}
	}

	res := grading.Grade(responses, key)
	slog.Debug("graded responses", "responses", len(responses), "key", len(key), "correct", res.CorrectCount)
	return writeJSONOutput(v.GetString("output"), GradeOutput{
		Result:  res,
		Percent: res.Percent(),
		Band:    band.FromPercent(res.Percent()),
	})
}

func runSyncKey(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	section := model.Stage(v.GetString("section"))
	if !section.Objective() {
		return fmt.Errorf("section must be grammar_reading or listening, got %q", section)
	}

	var src answerkey.Source
	switch {
	case v.GetString("file") != "":
		src = answerkey.FileSource{Path: v.GetString("file")}
	case v.GetString("spreadsheet") != "":
		src = answerkey.SheetsSource{
			SpreadsheetID: v.GetString("spreadsheet"),
			Range:         v.GetString("range"),
			Credentials:   googleCredentials(v),
		}
	default:
		return fmt.Errorf("one of --spreadsheet or --file is required")
	}

	entries, err := src.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load answer key: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hash := answerkey.Hash(entries)
	stored, err := db.AnswerKeyHash(string(section))
	if err != nil {
		return fmt.Errorf("check stored key: %w", err)
	}
	if stored == hash {
		slog.Info("answer key unchanged, skipping", "section", section, "hash", hash)
		return nil
	}

	if err := db.ReplaceAnswerKey(string(section), entries); err != nil {
		return fmt.Errorf("store answer key: %w", err)
	}
	slog.Info("answer key imported", "section", section, "entries", len(entries), "hash", hash)
	return nil
}

func writeJSONOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
