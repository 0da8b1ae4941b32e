package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-auditor/internal/policy"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(20 << 20)

const multipartOverhead = int64(64 << 10)

// maxTextSize bounds the JSON body of a text analysis request
const maxTextSize = int64(1 << 20)

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// analysisErrorStatus maps request-level failures to HTTP status codes
func analysisErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnreadableReceipt):
		return http.StatusBadRequest, "Could not read the receipt image. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF."
	case errors.Is(err, ErrScannerUnavailable):
		return http.StatusServiceUnavailable, "Receipt scanner is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrNoScanner):
		return http.StatusNotImplemented, "Image scanning is not configured on this server."
	case errors.Is(err, ErrScanFailed):
		return http.StatusBadGateway, "Receipt scanning failed. Please try again."
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// handleAnalyzeText analyzes OCR text supplied directly by the caller
func (s *Server) handleAnalyzeText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string `json:"text"`
		Category string `json:"category"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTextSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	analysis, err := s.service.AnalyzeText(req.Text, strings.TrimSpace(req.Category))
	if err != nil {
		slog.Error("Error analyzing receipt text", "error", err)
		code, msg := analysisErrorStatus(err)
		writeError(w, msg, code)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// handleScanReceipt runs OCR on an uploaded receipt and analyzes the result
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.scanLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, "Too many scan requests. Please slow down.", http.StatusTooManyRequests)
		return
	}

	// leave room for the multipart framing and the category field
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 20MB. Please compress or resize your image."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		writeError(w, "File is too large. Maximum size is 20MB. Please compress or resize your image.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)
	category := strings.TrimSpace(r.FormValue("category"))

	analysis, err := s.service.AnalyzeImage(r.Context(), data, contentType, category)
	if err != nil {
		slog.Error("Error analyzing receipt image", "filename", header.Filename, "error", err)
		code, msg := analysisErrorStatus(err)
		writeError(w, msg, code)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// detectContentType falls back to the file extension when the part has no usable type
func detectContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleGetPolicy returns the active expense policy
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Policy()
	if err != nil {
		slog.Error("Error loading policy", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdatePolicy replaces the active expense policy
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	r.Body = http.MaxBytesReader(w, r.Body, maxTextSize)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.UpdatePolicy(p); err != nil {
		if errors.Is(err, policy.ErrInvalidPolicy) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Error updating policy", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	updated, err := s.service.Policy()
	if err != nil {
		slog.Error("Error loading policy", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
