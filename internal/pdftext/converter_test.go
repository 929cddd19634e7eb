package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConvertRendersPageSections(t *testing.T) {
	t.Parallel()

	data := buildPDF(t, []string{"Hello", "", "World"})
	got, err := New().Convert(context.Background(), data)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if !strings.HasPrefix(got, "## Page 1\n\n") {
		t.Fatalf("output=%q, want it to start with page 1 heading", got)
	}
	if !strings.Contains(got, "Hello") || !strings.Contains(got, "World") {
		t.Fatalf("output=%q, want both page texts", got)
	}
	if strings.Contains(got, "## Page 2") {
		t.Fatalf("output=%q, want empty page 2 skipped", got)
	}
	if !strings.Contains(got, "## Page 3\n\n") {
		t.Fatalf("output=%q, want page 3 heading", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("output=%q, want trailing blank line", got)
	}
}

func TestConvertRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "not a pdf", data: []byte("just some text, not a document")},
		{name: "truncated header", data: []byte("%PDF-1.4\n1 0 obj\n<<")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New().Convert(context.Background(), tt.data)
			var conversionErr *ConversionError
			if !errors.As(err, &conversionErr) {
				t.Fatalf("Convert() error=%v (%T), want *ConversionError", err, err)
			}
		})
	}
}

func TestConvertEnforcesMaxPages(t *testing.T) {
	t.Parallel()

	data := buildPDF(t, []string{"a", "b", "c"})
	_, err := New(WithMaxPages(2)).Convert(context.Background(), data)
	if !errors.Is(err, ErrTooManyPages) {
		t.Fatalf("Convert() error=%v, want %v", err, ErrTooManyPages)
	}
}

func TestConvertStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Convert(ctx, buildPDF(t, []string{"Hello"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Convert() error=%v, want %v", err, context.Canceled)
	}
}

// buildPDF writes a minimal single-font document with one text line per
// page. An empty string produces a page without a content stream.
func buildPDF(t *testing.T, pages []string) []byte {
	t.Helper()

	var objects []string
	pageCount := len(pages)
	fontID := 3
	firstPageID := 4

	kids := make([]string, 0, pageCount)
	for idx := range pages {
		kids = append(kids, fmt.Sprintf("%d 0 R", firstPageID+idx*2))
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for idx, text := range pages {
		contentID := firstPageID + idx*2 + 1
		objects = append(objects, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>",
			fontID, contentID,
		))
		stream := ""
		if text != "" {
			stream = fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		}
		objects = append(objects, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, len(objects))
	for idx, body := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", idx+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}
