// Package pdftext turns PDF documents into page-structured markdown.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxPages bounds how many pages a single document may have.
const DefaultMaxPages = 2000

var (
	ErrEmptyDocument = errors.New("document is empty")
	ErrTooManyPages  = errors.New("document has too many pages")
)

// ConversionError reports a document that could not be read. Page is zero
// when the failure is not tied to a single page.
type ConversionError struct {
	Page int
	Err  error
}

func (e *ConversionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Page > 0 {
		return fmt.Sprintf("convert pdf: page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("convert pdf: %v", e.Err)
}

func (e *ConversionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Option func(*Converter)

// WithMaxPages overrides DefaultMaxPages. Values <= 0 are ignored.
func WithMaxPages(limit int) Option {
	return func(c *Converter) {
		if limit > 0 {
			c.maxPages = limit
		}
	}
}

type Converter struct {
	maxPages int
}

func New(opts ...Option) *Converter {
	converter := &Converter{maxPages: DefaultMaxPages}
	for _, opt := range opts {
		if opt != nil {
			opt(converter)
		}
	}
	return converter
}

// Convert extracts the plain text of every page and renders it as
// "## Page N" sections. Pages without text are skipped.
func (c *Converter) Convert(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &ConversionError{Err: ErrEmptyDocument}
	}

	reader, err := openReader(data)
	if err != nil {
		return "", &ConversionError{Err: err}
	}
	total := reader.NumPage()
	if total > c.maxPages {
		return "", &ConversionError{Err: fmt.Errorf("%w: %d > %d", ErrTooManyPages, total, c.maxPages)}
	}

	var out strings.Builder
	for number := 1; number <= total; number++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := pageText(reader, number)
		if err != nil {
			return "", &ConversionError{Page: number, Err: err}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&out, "## Page %d\n\n%s\n\n", number, text)
	}
	return out.String(), nil
}

// The pdf package panics on some malformed inputs, so both entry points
// recover into errors.
func openReader(data []byte) (reader *pdf.Reader, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			reader = nil
			err = fmt.Errorf("malformed document: %v", recovered)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func pageText(reader *pdf.Reader, number int) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			text = ""
			err = fmt.Errorf("malformed page: %v", recovered)
		}
	}()
	page := reader.Page(number)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
