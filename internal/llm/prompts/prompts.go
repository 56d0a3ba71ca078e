package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var FS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents an evaluation strictness variant.
type PromptVariant string

const (
	// PromptStrict awards the lower band on borderline work.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient awards the higher band on borderline work.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce          sync.Once
	loadErr           error
	writingTemplates  map[PromptVariant]*template.Template
	speakingTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// WritingData holds template data for a writing task.
type WritingData struct {
	TaskNumber int
	TaskPrompt string
	MinWords   int
	WordCount  int
	Essay      string
}

// SpeakingData holds template data for a speaking part.
type SpeakingData struct {
	PartNumber int
	PartPrompt string
	Transcript string
}

// Load parses the prompt templates from fsys. Templates are read from
// templates/<kind>_<variant>.txt and loaded only once per process.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		writingTemplates = make(map[PromptVariant]*template.Template)
		speakingTemplates = make(map[PromptVariant]*template.Template)

		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			if writingTemplates[v], loadErr = parse(fsys, "writing", v); loadErr != nil {
				return
			}
			if speakingTemplates[v], loadErr = parse(fsys, "speaking", v); loadErr != nil {
				return
			}
		}
	})
	return loadErr
}

func parse(fsys fs.FS, kind string, v PromptVariant) (*template.Template, error) {
	name := "templates/" + kind + "_" + string(v) + ".txt"
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(kind).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

func lookup(set map[PromptVariant]*template.Template, variant PromptVariant) (*template.Template, error) {
	if set == nil {
		if loadErr != nil {
			return nil, fmt.Errorf("templates load failed: %w", loadErr)
		}
		return nil, errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := set[variant]
	if !ok {
		return nil, errors.New("invalid prompt variant: " + string(variant))
	}
	return tmpl, nil
}

// BuildWritingPrompt renders the writing evaluation prompt for variant.
func BuildWritingPrompt(variant PromptVariant, data WritingData) (string, error) {
	tmpl, err := lookup(writingTemplates, variant)
	if err != nil {
		return "", err
	}
	data.WordCount = WordCount(stripTags(data.Essay))
	data.Essay = sanitizeAnswer(data.Essay)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildSpeakingPrompt renders the speaking evaluation prompt for variant.
func BuildSpeakingPrompt(variant PromptVariant, data SpeakingData) (string, error) {
	tmpl, err := lookup(speakingTemplates, variant)
	if err != nil {
		return "", err
	}
	data.Transcript = sanitizeAnswer(data.Transcript)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func stripTags(s string) string {
	s = studentAnswerRegex.ReplaceAllString(s, "")
	return systemInstructionsRegex.ReplaceAllString(s, "")
}

func sanitizeAnswer(answer string) string {
	answer = strings.TrimSpace(stripTags(answer))

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
