package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pavelanni/mockexam/internal/band"
	"github.com/pavelanni/mockexam/internal/llm/prompts"
	"github.com/pavelanni/mockexam/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// Writing criteria keys, in report order.
var WritingCriteria = []string{"task_response", "coherence_cohesion", "lexical_resource", "grammatical_range"}

// Speaking criteria keys, in report order.
var SpeakingCriteria = []string{"fluency_coherence", "lexical_resource", "grammatical_range", "pronunciation"}

// WritingTask describes one writing prompt given to the student.
type WritingTask struct {
	Number   int
	Prompt   string
	MinWords int
}

// SpeakingPart describes one part of the speaking test.
type SpeakingPart struct {
	Number int
	Prompt string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api          *openai.Client
	model        string
	whisperModel string
	variant      prompts.PromptVariant
}

// Config holds the connection settings for New.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	WhisperModel string
	Variant      string
}

// New creates a new LLM client. An empty variant selects the standard prompts.
func New(cfg Config) (*Client, error) {
	variant := prompts.PromptStandard
	if cfg.Variant != "" {
		if !prompts.IsValidVariant(cfg.Variant) {
			return nil, fmt.Errorf("invalid prompt variant %q", cfg.Variant)
		}
		variant = prompts.PromptVariant(cfg.Variant)
	}
	if err := prompts.Load(prompts.FS); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	whisper := cfg.WhisperModel
	if whisper == "" {
		whisper = openai.Whisper1
	}
	return &Client{
		api:          openai.NewClientWithConfig(config),
		model:        cfg.Model,
		whisperModel: whisper,
		variant:      variant,
	}, nil
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// EvaluateWriting scores one essay against the IELTS writing criteria.
func (c *Client) EvaluateWriting(ctx context.Context, task WritingTask, essay string) (*model.Evaluation, error) {
	if strings.TrimSpace(essay) == "" {
		return &model.Evaluation{Criteria: zeroCriteria(WritingCriteria), Feedback: "No essay was submitted."}, nil
	}
	prompt, err := prompts.BuildWritingPrompt(c.variant, prompts.WritingData{
		TaskNumber: task.Number,
		TaskPrompt: task.Prompt,
		MinWords:   task.MinWords,
		Essay:      essay,
	})
	if err != nil {
		return nil, fmt.Errorf("build writing prompt: %w", err)
	}
	return c.evaluate(ctx, prompt, WritingCriteria)
}

// EvaluateSpeaking scores one transcribed speaking answer.
func (c *Client) EvaluateSpeaking(ctx context.Context, part SpeakingPart, transcript string) (*model.Evaluation, error) {
	if strings.TrimSpace(transcript) == "" {
		return &model.Evaluation{Criteria: zeroCriteria(SpeakingCriteria), Feedback: "No speech was recognised."}, nil
	}
	prompt, err := prompts.BuildSpeakingPrompt(c.variant, prompts.SpeakingData{
		PartNumber: part.Number,
		PartPrompt: part.Prompt,
		Transcript: transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("build speaking prompt: %w", err)
	}
	return c.evaluate(ctx, prompt, SpeakingCriteria)
}

// Transcribe converts a recorded answer to text.
func (c *Client) Transcribe(ctx context.Context, filename string, r io.Reader) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.whisperModel,
		FilePath: filename,
		Reader:   r,
		Language: "en",
	})
	if err != nil {
		return "", fmt.Errorf("transcription API call: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

type evalResponse struct {
	Criteria map[string]float64 `json:"criteria"`
	Band     float64            `json:"band"`
	Feedback string             `json:"feedback"`
}

func (c *Client) evaluate(ctx context.Context, prompt string, criteria []string) (*model.Evaluation, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return parseEvaluation(raw, criteria)
}

// parseEvaluation decodes the model's JSON answer. Criterion scores are
// clamped to half bands and the section band is recomputed from them.
func parseEvaluation(raw string, criteria []string) (*model.Evaluation, error) {
	var r evalResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &r); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}

	ev := &model.Evaluation{
		Criteria: make(map[string]float64, len(criteria)),
		Feedback: strings.TrimSpace(r.Feedback),
	}
	found := 0
	for _, name := range criteria {
		v, ok := r.Criteria[name]
		if !ok {
			continue
		}
		found++
		ev.Criteria[name] = halfBand(v)
	}
	if found == len(criteria) {
		ev.Band = band.Average(ev.Criteria)
	} else {
		slog.Warn("LLM response missing criteria", "found", found, "want", len(criteria))
		ev.Band = halfBand(r.Band)
	}
	return ev, nil
}

// extractJSON trims any prose or code fences around the outermost object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func halfBand(v float64) float64 {
	switch {
	case v <= 0:
		return 0
	case v >= band.Max:
		return band.Max
	}
	return float64(int(v*2+0.5)) / 2
}

func zeroCriteria(names []string) map[string]float64 {
	m := make(map[string]float64, len(names))
	for _, n := range names {
		m[n] = 0
	}
	return m
}
