package execution

import (
	"fmt"
	"strings"
)

// simplePDFBytes renders plain text as a minimal single-page PDF 1.4
// document: one Helvetica text object, 12pt, 80-column wrap, no
// compression. Byte offsets in the xref table are exact, so standard
// viewers open the output.
func simplePDFBytes(text string) []byte {
	var content strings.Builder
	content.WriteString("BT\n/F1 12 Tf\n")
	y := 770
	for _, line := range wrapText(text, 80) {
		if y < 50 {
			break
		}
		fmt.Fprintf(&content, "1 0 0 1 50 %d Tm (%s) Tj\n", y, escapePDFString(line))
		y -= 14
	}
	content.WriteString("ET")
	stream := content.String()

	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n",
		fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream),
		"5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n",
	}

	var doc strings.Builder
	doc.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = doc.Len()
		doc.WriteString(obj)
	}

	xrefStart := doc.Len()
	fmt.Fprintf(&doc, "xref\n0 %d\n", len(objects)+1)
	doc.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&doc, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&doc, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xrefStart)

	return latin1Bytes(doc.String())
}

// wrapText breaks text into lines no wider than width columns, keeping
// existing newlines.
func wrapText(text string, width int) []string {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		if raw == "" {
			lines = append(lines, "")
			continue
		}
		line := ""
		for _, word := range strings.Fields(raw) {
			switch {
			case line == "":
				line = word
			case len(line)+1+len(word) <= width:
				line += " " + word
			default:
				lines = append(lines, line)
				line = word
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// escapePDFString escapes the characters PDF literal strings reserve.
func escapePDFString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	return r.Replace(s)
}

// latin1Bytes maps a string to single-byte latin-1, replacing anything
// outside that range with '?'. PDF literal strings are byte strings.
func latin1Bytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r <= 0xFF {
			out = append(out, byte(r))
		} else {
			out = append(out, '?')
		}
	}
	return out
}
