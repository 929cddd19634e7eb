package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/deepread/deepread/internal/correlation"
	"github.com/deepread/deepread/internal/observability"
	"github.com/deepread/deepread/internal/pdftext"
)

const (
	uploadFieldName = "file"
	// multipartSlack covers boundaries and part headers around the file.
	multipartSlack        = 1 << 20
	multipartMemoryBuffer = 32 << 20
)

type MarkdownOptions struct {
	Converter *pdftext.Converter
	MaxBytes  int64
	Telemetry *observability.Runtime
	Logger    *slog.Logger
}

type markdownResponse struct {
	Content string `json:"content"`
}

// MarkdownHandler converts an uploaded PDF into page-structured markdown.
func MarkdownHandler(options MarkdownOptions) http.Handler {
	converter := options.Converter
	if converter == nil {
		converter = pdftext.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		if options.MaxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, options.MaxBytes+multipartSlack)
		}
		memory := int64(multipartMemoryBuffer)
		if options.MaxBytes > 0 && options.MaxBytes < memory {
			memory = options.MaxBytes
		}
		if err := r.ParseMultipartForm(memory); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			case errors.Is(err, http.ErrNotMultipart):
				writeError(w, http.StatusBadRequest, "No file uploaded")
			default:
				writeError(w, http.StatusBadRequest, "Invalid upload")
			}
			return
		}
		defer func() {
			_ = r.MultipartForm.RemoveAll()
		}()

		file, header, err := r.FormFile(uploadFieldName)
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		defer file.Close()

		if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
			writeError(w, http.StatusBadRequest, "Only PDF files are allowed")
			return
		}
		if options.MaxBytes > 0 && header.Size > options.MaxBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid upload")
			return
		}

		content, err := converter.Convert(r.Context(), data)
		if err != nil {
			correlationID, _ := correlation.FromContext(r.Context())
			var conversionErr *pdftext.ConversionError
			if errors.As(err, &conversionErr) {
				options.Telemetry.RecordPDFConversion(r.Context(), "error")
				logger.WarnContext(r.Context(), "pdf conversion failed",
					"correlation_id", correlationID,
					"filename", header.Filename,
					"error", err,
				)
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			// The client went away mid-conversion.
			options.Telemetry.RecordPDFConversion(r.Context(), "cancelled")
			logger.InfoContext(r.Context(), "pdf conversion aborted",
				"correlation_id", correlationID,
				"error", err,
			)
			return
		}

		options.Telemetry.RecordPDFConversion(r.Context(), "ok")
		writeJSON(w, http.StatusOK, markdownResponse{Content: content})
	})
}
