package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"

	"github.com/pavelanni/mockexam/internal/blob"
	"github.com/pavelanni/mockexam/internal/exam"
	"github.com/pavelanni/mockexam/internal/gcp"
	"github.com/pavelanni/mockexam/internal/handler"
	appI18n "github.com/pavelanni/mockexam/internal/i18n"
	"github.com/pavelanni/mockexam/internal/llm"
	"github.com/pavelanni/mockexam/internal/llm/prompts"
	"github.com/pavelanni/mockexam/internal/mailer"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mockexam",
		Short: "IELTS-style mock exam server with automatic grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), gradeCmd(), syncKeyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `mockexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "mockexam.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Default UI language (en, vi)")
	f.String("school", "", "School name printed on reports")

	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("whisper-model", "", "Transcription model name (default whisper-1)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Evaluation prompt variant (strict, standard, lenient)")
	f.Bool("skip-llm-check", false, "Start even if the LLM endpoint does not answer")

	f.Int("grammar-minutes", 60, "Time limit for grammar & reading (0 = untimed)")
	f.Int("listening-minutes", 40, "Time limit for listening (0 = untimed)")
	f.Int("writing-minutes", 60, "Time limit for writing (0 = untimed)")
	f.Int("speaking-minutes", 15, "Time limit for speaking (0 = untimed)")
	f.Int("speaking-parts", exam.DefaultSpeakingParts, "Number of recorded speaking parts")
	f.Int64("max-upload-bytes", 32<<20, "Maximum request body size for uploads")

	f.String("mail", "log", "Report delivery backend (log, gmail, sendgrid)")
	f.String("mail-from", "Mock Exam <noreply@example.com>", "Sender address for reports")
	f.String("report-cc", "", "Comma-separated addresses copied on every report")
	f.String("gmail-subject", "", "Mailbox the service account sends as (gmail backend)")
	f.String("sendgrid-key", "", "SendGrid API key (sendgrid backend)")

	f.String("blob", "fs", "Recording storage backend (fs, drive)")
	f.String("blob-dir", "recordings", "Directory for recordings (fs backend)")
	f.String("drive-folder", "", "Google Drive folder ID for recordings (drive backend)")
	f.String("google-credentials", "", "Service account JSON for Google APIs (default: application default credentials)")

	f.StringSlice("allowed-origins", nil, "CORS origins allowed to call the JSON API")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /mock)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set MOCKEXAM_ADMIN_PASSWORD)")
	f.Duration("shutdown-timeout", 30*time.Second, "How long to wait for requests and evaluations on shutdown")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MOCKEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mockexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mockexam")
	v.AddConfigPath("/etc/mockexam")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func googleCredentials(v *viper.Viper) gcp.Credentials {
	return gcp.Credentials{File: v.GetString("google-credentials")}
}

func newMailer(ctx context.Context, v *viper.Viper) (mailer.Mailer, error) {
	from, err := mail.ParseAddress(v.GetString("mail-from"))
	if err != nil {
		return nil, fmt.Errorf("parse mail-from: %w", err)
	}

	switch backend := strings.ToLower(v.GetString("mail")); backend {
	case "", "log":
		return mailer.LogMailer{From: *from}, nil
	case "gmail":
		creds := googleCredentials(v)
		creds.Subject = v.GetString("gmail-subject")
		if creds.Subject == "" {
			creds.Subject = from.Address
		}
		opts, err := creds.ClientOptions(ctx, gmail.GmailSendScope)
		if err != nil {
			return nil, err
		}
		return mailer.NewGmail(ctx, *from, opts...)
	case "sendgrid":
		key := v.GetString("sendgrid-key")
		if key == "" {
			return nil, fmt.Errorf("sendgrid-key is required for the sendgrid backend")
		}
		return mailer.NewSendgrid(key, *from), nil
	default:
		return nil, fmt.Errorf("unknown mail backend %q", backend)
	}
}

func newBlobStore(ctx context.Context, v *viper.Viper) (blob.Store, error) {
	switch backend := strings.ToLower(v.GetString("blob")); backend {
	case "", "fs":
		return blob.FSStore{Dir: v.GetString("blob-dir")}, nil
	case "drive":
		folder := v.GetString("drive-folder")
		if folder == "" {
			return nil, fmt.Errorf("drive-folder is required for the drive backend")
		}
		opts, err := googleCredentials(v).ClientOptions(ctx, drive.DriveFileScope)
		if err != nil {
			return nil, err
		}
		return blob.NewDrive(ctx, folder, opts...)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", backend)
	}
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Create LLM client.
	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(llm.Config{
		BaseURL:      v.GetString("llm-url"),
		APIKey:       v.GetString("llm-key"),
		Model:        v.GetString("llm-model"),
		WhisperModel: v.GetString("whisper-model"),
		Variant:      promptVariant,
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		if !v.GetBool("skip-llm-check") {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Warn("LLM endpoint not reachable, evaluations will fail until it is", "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	m, err := newMailer(ctx, v)
	if err != nil {
		return fmt.Errorf("create mailer: %w", err)
	}
	blobs, err := newBlobStore(ctx, v)
	if err != nil {
		return fmt.Errorf("create recording store: %w", err)
	}

	basePath := normalizeBasePath(v.GetString("base-path"))

	examCfg := model.ExamConfig{
		StageMinutes: map[model.Stage]int{
			model.StageGrammarReading: v.GetInt("grammar-minutes"),
			model.StageListening:      v.GetInt("listening-minutes"),
			model.StageWriting:        v.GetInt("writing-minutes"),
			model.StageSpeaking:       v.GetInt("speaking-minutes"),
		},
		SpeakingParts:  v.GetInt("speaking-parts"),
		BasePath:       basePath,
		SecureCookies:  v.GetBool("secure-cookies"),
		PromptVariant:  promptVariant,
		ReportCC:       v.GetString("report-cc"),
		MaxUploadBytes: v.GetInt64("max-upload-bytes"),
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
	}

	ex, err := exam.New(db, llmClient, m, blobs, examCfg, v.GetString("school"))
	if err != nil {
		return fmt.Errorf("create exam service: %w", err)
	}

	h, err := handler.New(db, ex, googleCredentials(v))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	go cleanupSessions(ctx, db, time.Hour)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"mail", v.GetString("mail"),
		"blob", v.GetString("blob"),
		"speaking_parts", ex.Config().SpeakingParts,
		"prompt_variant", promptVariant,
		"base_path", basePath,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		ex.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("evaluations still running at shutdown")
	}
	return nil
}

func cleanupSessions(ctx context.Context, db *store.Store, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := db.CleanupExpiredSessions()
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("removed expired sessions", "count", n)
			}
		}
	}
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or MOCKEXAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
