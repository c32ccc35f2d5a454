package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receiptify/internal/extraction"
)

// multipartOverhead leaves room for form boundaries and headers around the file
const multipartOverhead = 1 << 20

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an {error, details} response with CORS headers set
func writeError(w http.ResponseWriter, code int, message string, details any) {
	setCORSHeaders(w)
	body := map[string]any{"error": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, code, body)
}

// writeServiceError maps service errors onto status codes
func writeServiceError(w http.ResponseWriter, err error, message string) {
	var invalid *ValidationError
	switch {
	case errors.As(err, &invalid):
		var details any
		if len(invalid.Details) > 0 {
			details = invalid.Details
		}
		writeError(w, http.StatusBadRequest, invalid.Message, details)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Receipt not found", nil)
	case errors.Is(err, ErrMailUnavailable), errors.Is(err, ErrVisionUnavailable):
		writeError(w, http.StatusServiceUnavailable, message, err.Error())
	default:
		slog.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err.Error())
	}
}

// parseDateParam reads an optional date or timestamp query parameter
func parseDateParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := parseDatetime(v)
	if err != nil {
		return nil, &ValidationError{Message: name + " must be an ISO 8601 date or timestamp"}
	}
	return &t, nil
}

// parseIntParam reads an optional integer query parameter, returning def when absent
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &ValidationError{Message: name + " must be a non-negative integer"}
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mail":   s.service.MailConfigured(),
		"vision": s.service.VisionConfigured(),
	})
}

// handleListReceipts returns the caller's receipts, newest first
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r, "dateFrom")
	if err != nil {
		writeServiceError(w, err, "Failed to fetch receipts")
		return
	}
	to, err := parseDateParam(r, "dateTo")
	if err != nil {
		writeServiceError(w, err, "Failed to fetch receipts")
		return
	}
	limit, err := parseIntParam(r, "limit", defaultListLimit)
	if err != nil {
		writeServiceError(w, err, "Failed to fetch receipts")
		return
	}

	receipts, err := s.service.ListReceipts(userID(r), Filter{
		Category: r.URL.Query().Get("category"),
		From:     from,
		To:       to,
		Limit:    limit,
	})
	if err != nil {
		writeServiceError(w, err, "Failed to fetch receipts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(receipts),
		"receipts": receipts,
	})
}

// handleCreateReceipt stores a manually entered receipt
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req ManualReceipt
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	receipt, err := s.service.CreateReceipt(userID(r), req)
	if err != nil {
		writeServiceError(w, err, "Failed to create receipt")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Receipt created successfully",
		"receipt": receipt,
	})
}

// handleInsertReceipts stores receipts posted as a JSON object or array
func (s *Server) handleInsertReceipts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body is too large", nil)
		return
	}

	receipts, err := s.service.InsertReceipts(userID(r), body)
	if err != nil {
		writeServiceError(w, err, "Failed to insert receipts")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"count":    len(receipts),
		"receipts": receipts,
	})
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(header string, filename string, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
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
	}
	return http.DetectContentType(data)
}

// handleParseImage scans an uploaded photo and returns the extracted fields
// without saving a receipt
func (s *Server) handleParseImage(w http.ResponseWriter, r *http.Request) {
	if !s.service.VisionConfigured() {
		writeError(w, http.StatusServiceUnavailable, "Receipt scanning is not configured", ErrVisionUnavailable.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large", "Maximum size is "+strconv.FormatInt(s.maxUpload>>20, 10)+"MB")
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form", err.Error())
		return
	}

	f, header, err := r.FormFile("receipt")
	if err != nil {
		f, header, err = r.FormFile("file")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided", nil)
		return
	}
	defer f.Close()

	if header.Size > s.maxUpload {
		writeError(w, http.StatusBadRequest, "File is too large", "Maximum size is "+strconv.FormatInt(s.maxUpload>>20, 10)+"MB")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file", nil)
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename, data)
	result, err := s.service.ScanImage(r.Context(), userID(r), header.Filename, data, contentType)
	switch {
	case err == nil:
	case errors.Is(err, extraction.ErrNoImage):
		writeError(w, http.StatusBadRequest, "No image file provided", nil)
		return
	case errors.Is(err, ErrVisionUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Receipt scanning is not configured", err.Error())
		return
	case extraction.IsExtractionFailure(err):
		writeError(w, http.StatusUnprocessableEntity, "Could not read a receipt from the image", err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, "Failed to parse receipt image", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"extracted": result.Extracted,
		"provider":  result.Provider,
		"source":    result.Source,
	})
}

// handleStats returns spending totals
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(userID(r))
	if err != nil {
		writeServiceError(w, err, "Failed to fetch statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Failed to fetch receipt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "receipt": receipt})
}

// handleUpdateReceipt applies a partial update
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var req ReceiptUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	receipt, err := s.service.UpdateReceipt(userID(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err, "Failed to update receipt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Receipt updated successfully",
		"receipt": receipt,
	})
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(userID(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err, "Failed to delete receipt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Receipt deleted successfully",
	})
}

// handleGetReceiptFile returns the archived upload for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(userID(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found", nil)
			return
		}
		writeServiceError(w, err, "Failed to fetch file")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// batchRequest is the optional body of the batch email routes
type batchRequest struct {
	DaysBack  int `json:"daysBack"`
	MaxEmails int `json:"maxEmails"`
}

func decodeBatchRequest(r *http.Request) (batchRequest, error) {
	var req batchRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// writeBatch summarizes a batch run
func writeBatch(w http.ResponseWriter, message string, results []BatchResult) {
	receipts := make([]*Receipt, 0, len(results))
	failures := make([]BatchResult, 0)
	for _, res := range results {
		if res.Error != "" {
			failures = append(failures, res)
			continue
		}
		receipts = append(receipts, res.Receipt)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  message,
		"total":    len(results),
		"success":  len(receipts),
		"failed":   len(failures),
		"receipts": receipts,
		"failures": failures,
	})
}

// handleSync processes receipt emails from the last few days
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBatchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	slog.Info("Starting email sync", "user_id", userID(r), "days_back", req.DaysBack)
	results, err := s.service.ProcessRecentEmails(r.Context(), userID(r), req.DaysBack)
	if err != nil {
		writeServiceError(w, err, "Failed to sync emails")
		return
	}
	writeBatch(w, "Email sync completed", results)
}

// handleProcessAll processes receipt emails regardless of age
func (s *Server) handleProcessAll(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBatchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	slog.Info("Processing all emails", "user_id", userID(r), "max_emails", req.MaxEmails)
	results, err := s.service.ProcessAllEmails(r.Context(), userID(r), req.MaxEmails)
	if err != nil {
		writeServiceError(w, err, "Failed to process emails")
		return
	}
	writeBatch(w, "All emails processed", results)
}

// handleProcessEmail processes one email by id
func (s *Server) handleProcessEmail(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.ProcessEmail(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrMailUnavailable) {
			writeServiceError(w, err, "Failed to process email")
			return
		}
		slog.Error("Process email error", "email_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process email", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Email processed successfully",
		"receipt": receipt,
	})
}

// handleSearchEmails lists message ids for a Gmail query
func (s *Server) handleSearchEmails(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		query = "label:receipts"
	}
	max, err := parseIntParam(r, "maxResults", 10)
	if err != nil {
		writeServiceError(w, err, "Failed to search emails")
		return
	}

	emails, err := s.service.SearchEmails(r.Context(), query, max)
	if err != nil {
		writeServiceError(w, err, "Failed to search emails")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(emails),
		"emails": emails,
	})
}

// handleGetEmail returns one parsed email
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	email, err := s.service.GetEmail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Failed to get email")
		return
	}
	writeJSON(w, http.StatusOK, email)
}
