// Package report turns a finished attempt into the result report sent to
// the student: an HTML email body, a plain-text alternative and a PDF.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var stageTitles = map[model.Stage]string{
	model.StageGrammarReading: "Grammar & Reading",
	model.StageListening:      "Listening",
	model.StageWriting:        "Writing",
	model.StageSpeaking:       "Speaking",
}

var criterionTitles = map[string]string{
	"task_response":      "Task Response",
	"coherence_cohesion": "Coherence & Cohesion",
	"lexical_resource":   "Lexical Resource",
	"grammatical_range":  "Grammatical Range & Accuracy",
	"fluency_coherence":  "Fluency & Coherence",
	"pronunciation":      "Pronunciation",
}

// StageTitle returns the display name of a stage.
func StageTitle(s model.Stage) string {
	if t, ok := stageTitles[s]; ok {
		return t
	}
	return string(s)
}

// CriterionTitle returns the display name of an evaluation criterion.
func CriterionTitle(key string) string {
	if t, ok := criterionTitles[key]; ok {
		return t
	}
	return key
}

// Report is everything needed to render one attempt's results.
type Report struct {
	School       string
	StudentName  string
	StudentEmail string
	ClassName    string
	TargetBand   float64
	AttemptToken string
	Status       model.AttemptStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	Overall      float64
	Sections     []Section
}

// Section is one stage of the report.
type Section struct {
	Stage     model.Stage
	Title     string
	Band      float64
	Late      bool
	Submitted bool

	// Objective stages.
	Correct      int
	Questions    int
	Score        float64
	MaxScore     float64
	Percent      float64
	Skills       []SkillLine
	WrongAnswers []grading.WrongAnswer

	// Writing and speaking.
	Criteria []CriterionLine
	Feedback string
	Error    string
}

// Objective reports whether the section was graded against a key.
func (s Section) Objective() bool {
	return s.Stage.Objective()
}

// SkillLine is one row of the per-skill breakdown.
type SkillLine struct {
	Skill     string
	Correct   int
	Questions int
	Points    float64
	Max       float64
	Percent   float64
}

// CriterionLine is one scored criterion.
type CriterionLine struct {
	Key   string
	Title string
	Band  float64
}

// Build assembles the report for an attempt.
func Build(v model.AttemptView, school string) Report {
	r := Report{
		School:       school,
		StudentName:  v.Student.FullName,
		StudentEmail: v.Student.Email,
		TargetBand:   v.Student.TargetBand,
		AttemptToken: v.Attempt.Token,
		Status:       v.Attempt.Status,
		StartedAt:    v.Attempt.StartedAt,
		FinishedAt:   v.Attempt.FinishedAt,
		Overall:      v.Attempt.OverallBand,
	}
	if v.Class != nil {
		r.ClassName = v.Class.Name
	}

	for _, stage := range model.Stages {
		sec := v.Section(stage)
		if sec == nil {
			continue
		}
		r.Sections = append(r.Sections, buildSection(*sec))
	}
	return r
}

func buildSection(sec model.SectionResult) Section {
	s := Section{
		Stage:     sec.Stage,
		Title:     StageTitle(sec.Stage),
		Band:      sec.Band,
		Late:      sec.Late,
		Submitted: sec.SubmittedAt != nil,
	}

	if g := sec.Grading; g != nil {
		s.Correct = g.CorrectCount
		s.Questions = g.TotalQuestions
		s.Score = g.TotalScore
		s.MaxScore = g.MaxScore
		s.Percent = g.Percent()
		s.WrongAnswers = g.WrongAnswers
		for _, name := range g.Skills() {
			st := g.SkillStats[name]
			line := SkillLine{
				Skill:     name,
				Correct:   st.Correct,
				Questions: st.QuestionCount,
				Points:    st.TotalPoint,
				Max:       st.Max,
			}
			if st.Max > 0 {
				line.Percent = st.TotalPoint / st.Max * 100
			}
			s.Skills = append(s.Skills, line)
		}
	}

	if ev := sec.Evaluation; ev != nil {
		keys := make([]string, 0, len(ev.Criteria))
		for k := range ev.Criteria {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.Criteria = append(s.Criteria, CriterionLine{Key: k, Title: CriterionTitle(k), Band: ev.Criteria[k]})
		}
		s.Feedback = ev.Feedback
		s.Error = ev.Error
	}
	return s
}

// Subject returns the email subject line.
func (r Report) Subject() string {
	return fmt.Sprintf("%s mock exam result: %s, overall band %s", r.School, r.StudentName, FormatBand(r.Overall))
}

// Filename returns the PDF attachment name.
func (r Report) Filename() string {
	return "mock-exam-" + r.AttemptToken + ".pdf"
}

// FormatBand prints a band with one decimal, "-" for zero.
func FormatBand(b float64) string {
	if b <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", b)
}

var (
	tmplOnce sync.Once
	tmpl     *template.Template
	tmplErr  error
)

func htmlTemplate() (*template.Template, error) {
	tmplOnce.Do(func() {
		tmpl, tmplErr = template.New("report.html").Funcs(template.FuncMap{
			"band": FormatBand,
			"pct":  func(p float64) string { return fmt.Sprintf("%.0f%%", p) },
			"num":  func(f float64) string { return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".") },
			"date": func(t time.Time) string { return t.Format("2 Jan 2006 15:04") },
		}).ParseFS(templateFS, "templates/report.html")
	})
	return tmpl, tmplErr
}

// RenderHTML renders the email body.
func RenderHTML(r Report) (string, error) {
	t, err := htmlTemplate()
	if err != nil {
		return "", fmt.Errorf("parse report template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// RenderText renders the plain-text alternative.
func RenderText(r Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s mock exam result\n\n", r.School)
	fmt.Fprintf(&sb, "Student: %s\n", r.StudentName)
	if r.ClassName != "" {
		fmt.Fprintf(&sb, "Class: %s\n", r.ClassName)
	}
	fmt.Fprintf(&sb, "Overall band: %s\n", FormatBand(r.Overall))
	if r.TargetBand > 0 {
		fmt.Fprintf(&sb, "Target band: %s\n", FormatBand(r.TargetBand))
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&sb, "\n== %s: band %s", s.Title, FormatBand(s.Band))
		if s.Late {
			sb.WriteString(" (submitted late)")
		}
		sb.WriteString("\n")

		if s.Objective() {
			fmt.Fprintf(&sb, "Correct: %d/%d, score %.1f/%.1f (%.0f%%)\n", s.Correct, s.Questions, s.Score, s.MaxScore, s.Percent)
			for _, sk := range s.Skills {
				fmt.Fprintf(&sb, "  %s: %d/%d (%.0f%%)\n", sk.Skill, sk.Correct, sk.Questions, sk.Percent)
			}
			if len(s.WrongAnswers) > 0 {
				sb.WriteString("Review:\n")
				for _, w := range s.WrongAnswers {
					fmt.Fprintf(&sb, "  Q%d [%s] your answer %q, correct %q\n", w.QuestionNumber, w.Skill, w.UserAnswer, w.CorrectAnswer)
				}
			}
			continue
		}
		for _, c := range s.Criteria {
			fmt.Fprintf(&sb, "  %s: %s\n", c.Title, FormatBand(c.Band))
		}
		if s.Feedback != "" {
			fmt.Fprintf(&sb, "%s\n", s.Feedback)
		}
		if s.Error != "" {
			sb.WriteString("Automatic evaluation was not available; your teacher will review this section.\n")
		}
	}
	return sb.String()
}
