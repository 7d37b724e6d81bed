// Package report renders diagnoses as downloadable PDF documents.
package report

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"

	"github.com/farmeye/api/internal/domain"
)

const (
	pageMargin   = 15.0
	lineHeight   = 6.0
	labelWidth   = 45.0
	thumbnailMax = 600
	imageWidthMM = 70.0
)

// Input holds everything printed on a report.
type Input struct {
	Diagnosis   domain.Diagnosis
	User        domain.User
	Image       image.Image
	GeneratedAt time.Time
}

// Filename returns the attachment name used for a diagnosis report.
func Filename(d domain.Diagnosis) string {
	return fmt.Sprintf("diagnosis-%d.pdf", d.ID)
}

// Render writes the PDF for in to w.
func Render(w io.Writer, in Input) error {
	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	d := in.Diagnosis

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin+5)
	pdf.SetTitle(fmt.Sprintf("FarmEye diagnosis %d", d.ID), true)
	pdf.SetCreator("FarmEye", true)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 5, tr("This report does not replace an examination by a veterinarian."), "", 1, "C", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(34, 94, 52)
	pdf.CellFormat(0, 10, "FarmEye diagnosis report", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, 5, "Generated "+generated.UTC().Format("2006-01-02 15:04 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if in.Image != nil {
		if err := placeImage(pdf, in.Image); err != nil {
			return err
		}
	}

	section(pdf, "Farmer")
	field(pdf, tr, "Name", in.User.FullName)
	field(pdf, tr, "Username", in.User.Username)
	field(pdf, tr, "Email", in.User.Email)
	field(pdf, tr, "Phone", in.User.Phone)
	field(pdf, tr, "Address", in.User.Address)
	pdf.Ln(3)

	section(pdf, "Diagnosis")
	field(pdf, tr, "Report number", fmt.Sprintf("%d", d.ID))
	field(pdf, tr, "Date", d.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
	field(pdf, tr, "Result", d.Result)
	prediction := d.Prediction
	if d.Metadata.ModelAvailable {
		prediction = fmt.Sprintf("%s (%.1f%% confidence)", d.Prediction, d.Confidence*100)
	}
	field(pdf, tr, "Model prediction", prediction)
	field(pdf, tr, "Severity", d.Metadata.Severity)
	symptoms := "none reported"
	if len(d.Symptoms) > 0 {
		symptoms = strings.Join(d.Symptoms, ", ")
	}
	field(pdf, tr, "Symptoms", symptoms)
	pdf.Ln(3)

	section(pdf, "Recommendation")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.MultiCell(0, lineHeight, tr(d.Recommendation), "", "L", false)
	if d.RecommendationSource != "" {
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 5, "Source: "+d.RecommendationSource, "", 1, "L", false, 0, "")
	}

	analysis := d.Metadata.SymptomAnalysis
	if len(analysis.Frequencies) > 0 || len(analysis.Recommendations) > 0 {
		pdf.Ln(3)
		section(pdf, "Symptom analysis")
		for _, sc := range analysis.Frequencies {
			sev := analysis.Severities[sc.Symptom]
			if sev == "" {
				sev = "unclassified"
			}
			field(pdf, tr, sc.Symptom, fmt.Sprintf("x%d, %s", sc.Count, sev))
		}
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(0, 0, 0)
		for _, advice := range analysis.Recommendations {
			pdf.MultiCell(0, lineHeight, tr("- "+advice), "", "L", false)
		}
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(34, 94, 52)
	pdf.CellFormat(0, 8, title, "B", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func field(pdf *fpdf.Fpdf, tr func(string) string, label, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(labelWidth, lineHeight, tr(label), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.MultiCell(0, lineHeight, tr(value), "", "L", false)
}

// placeImage embeds a JPEG thumbnail of img in the top right corner.
func placeImage(pdf *fpdf.Fpdf, img image.Image) error {
	thumb := imaging.Fit(img, thumbnailMax, thumbnailMax, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	pdf.RegisterImageOptionsReader("hen", fpdf.ImageOptions{ImageType: "JPG"}, &buf)
	pageW, _ := pdf.GetPageSize()
	x := pageW - pageMargin - imageWidthMM
	pdf.ImageOptions("hen", x, pageMargin+2, imageWidthMM, 0, false, fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
	return nil
}
