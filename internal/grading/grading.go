// Package grading scores objective test responses against a weighted,
// skill-tagged answer key.
package grading

import (
	"regexp"
	"sort"
	"strings"
)

// UnknownSkill is the bucket for key entries without a skill label.
const UnknownSkill = "Unknown"

// DefaultPoints is the weight of a key entry without a positive point value.
const DefaultPoints = 1.0

var letterOption = regexp.MustCompile(`^[a-e]$`)

// AnswerKeyEntry is the expected answer for one question.
type AnswerKeyEntry struct {
	ExpectedAnswer string  `json:"answer"`
	Skill          string  `json:"skill"`
	Points         float64 `json:"points"`
}

// SkillStat accumulates results for one skill.
type SkillStat struct {
	Correct       int     `json:"correct"`
	TotalPoint    float64 `json:"total_point"`
	Max           float64 `json:"max"`
	QuestionCount int     `json:"question_count"`
}

// WrongAnswer describes one incorrect response. QuestionNumber is 1-based.
type WrongAnswer struct {
	QuestionNumber int    `json:"question_number"`
	CorrectAnswer  string `json:"correct_answer"`
	UserAnswer     string `json:"user_answer"`
	Skill          string `json:"skill"`
}

// Result is the outcome of grading one set of responses.
type Result struct {
	CorrectCount   int                  `json:"correct_count"`
	TotalQuestions int                  `json:"total_questions"`
	TotalScore     float64              `json:"total_score"`
	MaxScore       float64              `json:"max_score"`
	SkillStats     map[string]SkillStat `json:"skill_stats"`
	WrongAnswers   []WrongAnswer        `json:"wrong_answers"`
}

// Grade scores responses[i] against key[i] over the overlapping prefix of
// the two slices. Key entries without an accepted answer are skipped and do
// not count toward any total.
func Grade(responses []string, key []AnswerKeyEntry) Result {
	res := Result{
		SkillStats:   make(map[string]SkillStat),
		WrongAnswers: []WrongAnswer{},
	}

	n := min(len(responses), len(key))
	for i := 0; i < n; i++ {
		entry := key[i]
		accepted := AcceptedOptions(entry.ExpectedAnswer)
		if len(accepted) == 0 {
			continue
		}

		skill := entry.skill()
		points := entry.points()
		stat := res.SkillStats[skill]

		if matches(normalize(responses[i]), accepted) {
			res.CorrectCount++
			res.TotalScore += points
			stat.Correct++
			stat.TotalPoint += points
		} else {
			res.WrongAnswers = append(res.WrongAnswers, WrongAnswer{
				QuestionNumber: i + 1,
				CorrectAnswer:  entry.ExpectedAnswer,
				UserAnswer:     responses[i],
				Skill:          skill,
			})
		}

		res.TotalQuestions++
		res.MaxScore += points
		stat.Max += points
		stat.QuestionCount++
		res.SkillStats[skill] = stat
	}

	return res
}

// AcceptedOptions splits an expected answer on "," and "/" into its
// normalized, non-empty options.
func AcceptedOptions(expected string) []string {
	tokens := strings.FieldsFunc(expected, func(r rune) bool {
		return r == ',' || r == '/'
	})
	var out []string
	for _, t := range tokens {
		if t = normalize(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// IsLetterMode reports whether every accepted option is a single letter a-e.
func IsLetterMode(accepted []string) bool {
	if len(accepted) == 0 {
		return false
	}
	for _, opt := range accepted {
		if !letterOption.MatchString(opt) {
			return false
		}
	}
	return true
}

func matches(user string, accepted []string) bool {
	if user == "" {
		return false
	}
	candidate := user
	if IsLetterMode(accepted) {
		candidate = string([]rune(user)[:1])
	}
	for _, opt := range accepted {
		if candidate == opt {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (e AnswerKeyEntry) skill() string {
	if s := strings.TrimSpace(e.Skill); s != "" {
		return s
	}
	return UnknownSkill
}

func (e AnswerKeyEntry) points() float64 {
	if e.Points > 0 {
		return e.Points
	}
	return DefaultPoints
}

// Percent returns the score as a percentage of the maximum, or 0 when
// nothing was graded.
func (r Result) Percent() float64 {
	if r.MaxScore <= 0 {
		return 0
	}
	return r.TotalScore / r.MaxScore * 100
}

// Skills returns the skill names in sorted order.
func (r Result) Skills() []string {
	names := make([]string, 0, len(r.SkillStats))
	for name := range r.SkillStats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
