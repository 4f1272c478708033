package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/grocery-tracker/internal/logger"
)

// maxUploadSize allows high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// receiptResponse adds the entry count to a receipt
type receiptResponse struct {
	*Receipt
	ProductEntriesCount int `json:"product_entries_count"`
}

func newReceiptResponse(r *Receipt) receiptResponse {
	return receiptResponse{Receipt: r, ProductEntriesCount: len(r.Entries)}
}

type taskResponse struct {
	TaskSnapshot
	StatusURL string `json:"status_url"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSubmitError separates problems with the submitted file from server failures
func writeSubmitError(w http.ResponseWriter, err error) {
	if IsClientError(err) {
		writeError(w, http.StatusBadRequest, "could not read receipt: "+Reason(err))
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadReceipt accepts a multipart upload and runs the pipeline, or
// queues it when async=true
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		log.Warn().Err(err).Msg("Error parsing multipart form")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file is too large, maximum size is 50MB")
			return
		}
		writeError(w, http.StatusBadRequest, "error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		log.Error().Err(err).Str("filename", header.Filename).Msg("Error reading file data")
		writeError(w, http.StatusInternalServerError, "error reading file")
		return
	}

	name := strings.TrimSpace(r.FormValue("original_file_name"))
	if name == "" {
		name = header.Filename
	}
	caller := strings.TrimSpace(r.FormValue("user_identifier"))

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		task, err := s.service.SubmitFromBytesAsync(r.Context(), data, name, caller)
		if err != nil {
			log.Error().Err(err).Msg("Error queueing receipt")
			writeError(w, http.StatusServiceUnavailable, "could not queue receipt")
			return
		}
		writeJSON(w, http.StatusAccepted, taskResponse{
			TaskSnapshot: task.Snapshot(),
			StatusURL:    "/api/v1/tasks/" + task.ID,
		})
		return
	}

	receipt, err := s.service.SubmitFromBytes(r.Context(), data, name, caller)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newReceiptResponse(receipt))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.service.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	snap := task.Snapshot()
	if snap.Status == TaskFailed && snap.ClientError {
		snap.Error = "could not read receipt: " + snap.Error
	} else if snap.Status == TaskFailed {
		snap.Error = "internal error"
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskSnapshot: snap, StatusURL: "/api/v1/tasks/" + task.ID})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Error listing receipts")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	response := make([]receiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		response = append(response, newReceiptResponse(receipt))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := receiptID(w, r)
	if !ok {
		return
	}

	receipt, err := s.service.GetReceipt(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := receiptID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteReceipt(r.Context(), id); err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id, ok := receiptID(w, r)
	if !ok {
		return
	}

	data, contentType, err := s.service.GetReceiptFile(r.Context(), id)
	if errors.Is(err, ErrArchiveUnreadable) {
		writeError(w, http.StatusNotFound, "archived file not available")
		return
	}
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	log := logger.FromContext(r.Context())
	log.Error().Err(err).Msg("Error looking up receipt")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func receiptID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid receipt id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}
