package report

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	pageWidth   = 210.0
	marginLeft  = 15.0
	marginRight = 15.0
	lineHeight  = 6.0
	contentW    = pageWidth - marginLeft - marginRight
)

// fold strips combining marks so Vietnamese names survive the core PDF
// fonts, which only cover cp1252.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.NewReplacer("đ", "d", "Đ", "D").Replace(out)
}

// WritePDF renders the report as an A4 PDF.
func WritePDF(w io.Writer, r Report) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginLeft, 15, marginRight)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	txt := func(s string) string { return tr(fold(s)) }

	pdf.SetTitle(fold(r.School+" mock exam result"), false)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 5, fmt.Sprintf("%s  |  page %d/{nb}", r.AttemptToken, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, txt(r.School+" mock exam result"), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	header := r.StudentName
	if r.ClassName != "" {
		header += " - " + r.ClassName
	}
	pdf.CellFormat(0, lineHeight, txt(header), "", 1, "L", false, 0, "")
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, lineHeight, "Started "+r.StartedAt.Format("2 Jan 2006 15:04"), "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetFillColor(29, 78, 216)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(30, 14, FormatBand(r.Overall), "", 0, "C", true, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 12)
	label := "  Overall band"
	if r.TargetBand > 0 {
		label += "   (target " + FormatBand(r.TargetBand) + ")"
	}
	pdf.CellFormat(0, 14, label, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	tableHeader(pdf, []string{"Section", "Band", "Status"}, []float64{100, 40, 40})
	for _, s := range r.Sections {
		status := "submitted"
		switch {
		case !s.Submitted:
			status = "not submitted"
		case s.Late:
			status = "late"
		}
		pdf.CellFormat(100, lineHeight, txt(s.Title), "B", 0, "L", false, 0, "")
		pdf.CellFormat(40, lineHeight, FormatBand(s.Band), "B", 0, "C", false, 0, "")
		pdf.CellFormat(40, lineHeight, status, "B", 1, "C", false, 0, "")
	}

	for _, s := range r.Sections {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "B", 13)
		pdf.CellFormat(0, 8, txt(s.Title+" - band "+FormatBand(s.Band)), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)

		if s.Objective() {
			writeObjective(pdf, txt, s)
		} else {
			writeEvaluated(pdf, txt, s)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func tableHeader(pdf *fpdf.Fpdf, cols []string, widths []float64) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(243, 244, 246)
	for i, c := range cols {
		ln := 0
		if i == len(cols)-1 {
			ln = 1
		}
		pdf.CellFormat(widths[i], lineHeight+1, c, "B", ln, "L", true, 0, "")
	}
	pdf.SetFont("Helvetica", "", 10)
}

func writeObjective(pdf *fpdf.Fpdf, txt func(string) string, s Section) {
	pdf.CellFormat(0, lineHeight, fmt.Sprintf("%d of %d correct, %.1f of %.1f points (%.0f%%)",
		s.Correct, s.Questions, s.Score, s.MaxScore, s.Percent), "", 1, "L", false, 0, "")

	if len(s.Skills) > 0 {
		pdf.Ln(2)
		widths := []float64{90, 30, 30, 30}
		tableHeader(pdf, []string{"Skill", "Correct", "Points", "%"}, widths)
		for _, sk := range s.Skills {
			pdf.CellFormat(widths[0], lineHeight, txt(sk.Skill), "", 0, "L", false, 0, "")
			pdf.CellFormat(widths[1], lineHeight, fmt.Sprintf("%d/%d", sk.Correct, sk.Questions), "", 0, "L", false, 0, "")
			pdf.CellFormat(widths[2], lineHeight, fmt.Sprintf("%.1f/%.1f", sk.Points, sk.Max), "", 0, "L", false, 0, "")
			pdf.CellFormat(widths[3], lineHeight, fmt.Sprintf("%.0f", sk.Percent), "", 1, "L", false, 0, "")
		}
	}

	if len(s.WrongAnswers) > 0 {
		pdf.Ln(2)
		widths := []float64{12, 48, 60, 60}
		tableHeader(pdf, []string{"#", "Skill", "Your answer", "Correct answer"}, widths)
		for _, wa := range s.WrongAnswers {
			user := wa.UserAnswer
			if strings.TrimSpace(user) == "" {
				user = "-"
			}
			pdf.CellFormat(widths[0], lineHeight, fmt.Sprint(wa.QuestionNumber), "", 0, "L", false, 0, "")
			pdf.CellFormat(widths[1], lineHeight, txt(clip(wa.Skill, 28)), "", 0, "L", false, 0, "")
			pdf.SetTextColor(185, 28, 28)
			pdf.CellFormat(widths[2], lineHeight, txt(clip(user, 34)), "", 0, "L", false, 0, "")
			pdf.SetTextColor(21, 128, 61)
			pdf.CellFormat(widths[3], lineHeight, txt(clip(wa.CorrectAnswer, 34)), "", 1, "L", false, 0, "")
			pdf.SetTextColor(0, 0, 0)
		}
	}
}

func writeEvaluated(pdf *fpdf.Fpdf, txt func(string) string, s Section) {
	for _, c := range s.Criteria {
		pdf.CellFormat(90, lineHeight, txt(c.Title), "", 0, "L", false, 0, "")
		pdf.CellFormat(20, lineHeight, FormatBand(c.Band), "", 1, "L", false, 0, "")
	}
	if s.Feedback != "" {
		pdf.Ln(2)
		pdf.MultiCell(contentW, 5, txt(s.Feedback), "", "L", false)
	}
	if s.Error != "" {
		pdf.SetTextColor(180, 83, 9)
		pdf.MultiCell(contentW, 5, "Automatic evaluation was not available; your teacher will review this section.", "", "L", false)
		pdf.SetTextColor(0, 0, 0)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
