// Package views renders the HTML pages. Layout is a templ component;
// page bodies are embedded html/template files rendered as its children.
package views

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/a-h/templ"

	appI18n "github.com/pavelanni/mockexam/internal/i18n"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"t": t,
	"td": func(ctx context.Context, id string, kv ...any) string {
		return appI18n.Td(ctx, id, dict(kv...))
	},
	"tp":    func(ctx context.Context, id string, n int) string { return appI18n.Tp(ctx, id, n) },
	"band":  report.FormatBand,
	"stage": report.StageTitle,
	"date":  func(tm time.Time) string { return tm.Format("2 Jan 2006 15:04") },
	"datep": func(tm *time.Time) string {
		if tm == nil {
			return ""
		}
		return tm.Format("2 Jan 2006 15:04")
	},
	"iso":   func(tm time.Time) string { return tm.UTC().Format(time.RFC3339) },
	"deref": func(tm *time.Time) time.Time { return *tm },
	"inc":   func(i int) int { return i + 1 },
	"dict":  dict,
	"seq": func(n int) []int {
		s := make([]int, n)
		for i := range s {
			s[i] = i + 1
		}
		return s
	},
	"isStaff": isStaff,
	"isAdmin": isAdmin,
}).ParseFS(templateFS, "templates/*.html"))

func t(ctx context.Context, id string) string { return appI18n.T(ctx, id) }

func isStaff(u *model.User) bool {
	return u != nil && (u.Role == model.UserRoleAdmin || u.Role == model.UserRoleTeacher)
}

func isAdmin(u *model.User) bool { return u != nil && u.Role == model.UserRoleAdmin }

func dict(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}

// Page is the data every template receives. Data holds the page-specific
// value.
type Page struct {
	Ctx      context.Context
	User     *model.User
	BasePath string
	CSRF     string
	Data     any
}

func render(name string, data any) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		tmpl := pages.Lookup(name)
		if tmpl == nil {
			return fmt.Errorf("template %q not found", name)
		}
		p := Page{
			Ctx:      ctx,
			User:     model.UserFromContext(ctx),
			BasePath: model.BasePathFromContext(ctx),
			CSRF:     model.CSRFTokenFromContext(ctx),
			Data:     data,
		}
		return Layout(p).Render(templ.WithChildren(ctx, templ.FromGoHTML(tmpl, p)), w)
	})
}

// LoginPage renders the login form with an optional error message.
func LoginPage(errMsg string) templ.Component {
	return render("login", errMsg)
}

// IndexData is the student home page.
type IndexData struct {
	Student  *model.Student
	Attempts []model.Attempt
}

// IndexPage renders the student home page.
func IndexPage(d IndexData) templ.Component {
	return render("index", d)
}

// ExamData is the current stage of an attempt.
type ExamData struct {
	Attempt       model.Attempt
	Section       *model.SectionResult
	Questions     int
	Deadline      *time.Time
	PaperURL      string
	SpeakingParts int
	Recorded      map[int]bool
	Error         string
}

// ExamPage renders the page for the attempt's current stage.
func ExamPage(d ExamData) templ.Component {
	return render("exam", d)
}

// ResultData is a student's view of a finished attempt.
type ResultData struct {
	Attempt model.Attempt
	Report  report.Report
}

// ResultPage renders the result of an attempt.
func ResultPage(d ResultData) templ.Component {
	return render("result", d)
}

// ReviewRow is one line of the review list.
type ReviewRow struct {
	Attempt     model.Attempt
	StudentName string
	ClassName   string
}

// ReviewListPage renders the staff list of attempts.
func ReviewListPage(rows []ReviewRow) templ.Component {
	return render("review_list", rows)
}

// ReviewData is the staff view of one attempt.
type ReviewData struct {
	View   model.AttemptView
	Report report.Report
	Flash  string
}

// ReviewPage renders one attempt for staff.
func ReviewPage(d ReviewData) templ.Component {
	return render("review", d)
}

// UsersData is the user administration page.
type UsersData struct {
	Users []model.User
	Flash string
}

// AdminUsersPage renders user administration.
func AdminUsersPage(d UsersData) templ.Component {
	return render("admin_users", d)
}

// ClassesData is the class list page.
type ClassesData struct {
	Classes  []model.Class
	Teachers []model.User
	Counts   map[int64]int
	Flash    string
}

// AdminClassesPage renders the class list.
func AdminClassesPage(d ClassesData) templ.Component {
	return render("admin_classes", d)
}

// ClassData is one class with its students.
type ClassData struct {
	Class    model.Class
	Students []model.Student
	Flash    string
}

// AdminClassPage renders a class and its students.
func AdminClassPage(d ClassData) templ.Component {
	return render("admin_class", d)
}

// StudentData is the student edit form.
type StudentData struct {
	Student  model.Student
	Classes  []model.Class
	Attempts []model.Attempt
	Flash    string
}

// AdminStudentPage renders the student edit form.
func AdminStudentPage(d StudentData) templ.Component {
	return render("admin_student", d)
}

// KeysData is the answer key and exam content page.
type KeysData struct {
	Sections []KeySection
	Content  []ContentField
	Flash    string
}

// KeySection summarizes the stored key of one objective section.
type KeySection struct {
	Stage   model.Stage
	Entries int
	Hash    string
}

// ContentField is one editable exam content setting.
type ContentField struct {
	Key   string
	Label string
	Value string
	Long  bool
}

// AdminKeysPage renders answer key and exam content management.
func AdminKeysPage(d KeysData) templ.Component {
	return render("admin_keys", d)
}
