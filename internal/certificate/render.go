package certificate

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const (
	pageWidth   = 595
	pageHeight  = 842
	marginLeft  = 56
	marginTop   = 780
	lineHeight  = 16
	bodySize    = 11
	headingSize = 18
	wrapColumn  = 88
)

// Lines starting with "# " are set as headings.
var certificateTemplate = template.Must(template.New("certificate").Parse(`# Vehicle Service Certificate
{{if .Workshop.Name}}{{.Workshop.Name}}{{end}}
{{if .Workshop.Address}}{{.Workshop.Address}}{{end}}
{{if .Workshop.Phone}}Tel: {{.Workshop.Phone}}{{end}}

Job number: {{.TicketNumber}}
Service date: {{.ServiceDate.Format "2 January 2006"}}
Customer: {{or .CustomerName "Not recorded"}}

# Vehicle
Make: {{or .VehicleMake "Not recorded"}}
Model: {{.VehicleModel}}
Registration: {{or .Registration "Not recorded"}}
Odometer: {{with .Mileage}}{{.}} miles{{else}}Not recorded{{end}}

{{if .Technician}}Serviced by: {{.Technician}}{{end}}
This certifies that the vehicle above was serviced on the date shown.
`))

// Render produces a single-page PDF of the certificate.
func Render(data Data) ([]byte, error) {
	var text bytes.Buffer
	if err := certificateTemplate.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("executing certificate template: %w", err)
	}
	return writePDF(strings.Split(text.String(), "\n")), nil
}

// writePDF lays out lines top to bottom on one A4 page using the standard
// Helvetica fonts.
func writePDF(lines []string) []byte {
	var content bytes.Buffer
	y := marginTop
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			blank++
			if blank == 1 {
				y -= lineHeight / 2
			}
			continue
		}
		blank = 0
		font, size := "F1", bodySize
		if strings.HasPrefix(line, "# ") {
			font, size = "F2", headingSize
			line = strings.TrimPrefix(line, "# ")
			y -= lineHeight / 2
		}
		for _, part := range wrap(line, wrapColumn) {
			if y < lineHeight {
				break
			}
			fmt.Fprintf(&content, "BT /%s %d Tf %d %d Td (%s) Tj ET\n", font, size, marginLeft, y, pdfString(part))
			y -= lineHeight
			if size == headingSize {
				y -= lineHeight / 2
			}
		}
	}

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 4 0 R /F2 5 0 R >> >> /Contents 6 0 R >>", pageWidth, pageHeight),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

// pdfString escapes s for a literal string. Runes outside Latin-1 print as
// '?'.
func pdfString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\' || r == '(' || r == ')':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\t':
			b.WriteByte(' ')
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		case r >= 0xa0 && r <= 0xff:
			fmt.Fprintf(&b, "\\%03o", r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

func wrap(line string, width int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	var out []string
	current := words[0]
	for _, w := range words[1:] {
		if len(current)+1+len(w) > width {
			out = append(out, current)
			current = w
			continue
		}
		current += " " + w
	}
	return append(out, current)
}
