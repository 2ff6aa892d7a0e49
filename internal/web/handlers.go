package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/logging"
)

const (
	// multipartOverhead is allowed on top of the file size limit for the
	// form boundaries and the other fields.
	multipartOverhead = 1 << 20

	maxImportIDLength = 128

	defaultRecordLimit = 50
	maxRecordLimit     = 1000

	heartbeatInterval = 15 * time.Second
)

// startRequest is the JSON form of a start or analyze request. Path is
// relative to the import directory when one is configured.
type startRequest struct {
	Path     string `json:"path"`
	OwnerID  string `json:"ownerId"`
	ImportID string `json:"importId"`
}

// importSource is a file ready for the pipeline. Uploaded files are spooled
// to a temp file that the server removes when it is no longer needed.
type importSource struct {
	path     string
	ownerID  string
	importID string
	temp     bool
}

func (src importSource) cleanup() {
	if !src.temp {
		return
	}
	if err := os.Remove(src.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("temp file cleanup failed", "path", src.path, "error", err)
	}
}

// requestError is a malformed request, reported as 400.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (s *Server) writeSourceError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		badRequest(w, reqErr.msg)
		return
	}
	s.respondError(w, r, err)
}

// handleStartImport accepts either a multipart upload (field "file") or a
// JSON body naming a file on the server, and starts the import in the
// background.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	src, err := s.readSource(w, r)
	if err != nil {
		s.writeSourceError(w, r, err)
		return
	}

	id, err := s.service.StartImport(r.Context(), src.path, src.ownerID, src.importID)
	if err != nil {
		src.cleanup()
		s.respondError(w, r, err)
		return
	}

	logging.ForImport(r.Context(), id, src.path).Info("import accepted", "owner_id", src.ownerID, "upload", src.temp)
	if src.temp {
		go s.removeWhenDone(id, src)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"importId": id,
		"status":   fmt.Sprintf("/api/imports/%s", id),
		"events":   fmt.Sprintf("/api/imports/%s/events", id),
	})
}

func (s *Server) removeWhenDone(id string, src importSource) {
	s.service.ImportResult(context.Background(), id)
	src.cleanup()
}

// handleAnalyze runs only the pre-scan and reports header mapping and the
// row estimate.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	src, err := s.readSource(w, r)
	if err != nil {
		s.writeSourceError(w, r, err)
		return
	}
	defer src.cleanup()

	analysis, err := s.service.Analyze(r.Context(), src.path)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	batchSize := s.cfg.Import.BatchSize
	writeJSON(w, http.StatusOK, map[string]any{
		"fileSize":         analysis.FileSize,
		"header":           analysis.Header,
		"delimiter":        string(analysis.Delimiter),
		"mappedFields":     analysis.MappedFields(),
		"unmappedColumns":  analysis.Mapping.Unmapped(),
		"estimatedRows":    analysis.EstimatedRows,
		"exact":            analysis.Exact,
		"estimatedBatches": analysis.EstimatedBatches(batchSize),
	})
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"imports": s.service.ListImports(),
		"limiter": s.service.LimiterStatus(),
	})
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ImportStatus(chi.URLParam(r, "importID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleImportResult returns the terminal result. A running import answers
// 202 with its status unless ?wait=true, which blocks until it finishes.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "importID")
	st, err := s.service.ImportStatus(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !st.State.Terminal() && !wait {
		writeJSON(w, http.StatusAccepted, st)
		return
	}

	res, err := s.service.ImportResult(r.Context(), id)
	if err != nil && res.ImportBatchID == "" {
		if r.Context().Err() != nil {
			return
		}
		s.respondError(w, r, err)
		return
	}
	// A failed import still has a result; its error is part of the body.
	resp := resultResponse{ImportResult: res}
	if err != nil {
		msg := core.MapError(err)
		resp.UserMessage = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultResponse struct {
	core.ImportResult
	UserMessage *core.UserMessage `json:"userMessage,omitempty"`
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "importID")
	if err := s.service.CancelImport(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"importId": id, "status": "cancelling"})
}

// handleImportEvents streams the import's events as server-sent events until
// the import finishes or the client goes away. A late subscriber first
// receives the most recent event.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "importID")
	events, unsubscribe, err := s.service.SubscribeEvents(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondErrorStatus(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	seq := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			seq++
			if err := writeEvent(w, seq, ev); err != nil {
				slog.Warn("event stream write failed", "import_id", id, "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, seq int, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data)
	return err
}

func (s *Server) handleImportAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "audit log not configured", Message: "audit log not configured", Code: "REQ002"})
		return
	}
	entries, err := s.deps.Audit.List(r.Context(), chi.URLParam(r, "importID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleImportRecords returns up to ?limit= stored rows last written by the
// import.
func (s *Server) handleImportRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "record store not configured", Message: "record store not configured", Code: "REQ002"})
		return
	}
	id := chi.URLParam(r, "importID")
	limit := parseLimit(r)

	count, err := s.deps.Records.CountByImport(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	records, err := s.deps.Records.RecordsByImport(r.Context(), id, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if records == nil {
		records = []core.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "records": records})
}

func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"imports": s.service.LimiterStatus(),
	}
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			body["status"] = "degraded"
			body["database"] = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	writeJSON(w, http.StatusOK, body)
}

func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return defaultRecordLimit
	}
	return min(n, maxRecordLimit)
}

// readSource resolves the request into a file on disk.
func (s *Server) readSource(w http.ResponseWriter, r *http.Request) (importSource, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		src importSource
		err error
	)
	if mediaType == "multipart/form-data" {
		src, err = s.spoolUpload(w, r)
	} else {
		src, err = s.decodeStartRequest(r)
	}
	if err != nil {
		return importSource{}, err
	}

	if src.ownerID == "" {
		src.ownerID = r.Header.Get("X-Owner-ID")
	}
	if len(src.importID) > maxImportIDLength {
		src.cleanup()
		return importSource{}, &requestError{msg: "importId is too long"}
	}
	return src, nil
}

func (s *Server) decodeStartRequest(r *http.Request) (importSource, error) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		return importSource{}, &requestError{msg: "invalid JSON body"}
	}
	path, err := s.resolvePath(req.Path)
	if err != nil {
		return importSource{}, err
	}
	return importSource{path: path, ownerID: req.OwnerID, importID: req.ImportID}, nil
}

// resolvePath confines path to the import directory when one is set.
func (s *Server) resolvePath(path string) (string, error) {
	if path == "" {
		return "", &requestError{msg: "path is required"}
	}
	dir := s.cfg.Import.Dir
	if dir == "" {
		return path, nil
	}
	if !filepath.IsLocal(path) {
		return "", &requestError{msg: "path must be relative to the import directory"}
	}
	return filepath.Join(dir, path), nil
}

// spoolUpload streams the "file" part to a temp file without buffering the
// form in memory.
func (s *Server) spoolUpload(w http.ResponseWriter, r *http.Request) (importSource, error) {
	limit := s.cfg.Import.MaxFileSize
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return importSource{}, &requestError{msg: "invalid multipart form"}
	}

	var src importSource
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			src.cleanup()
			if uerr := uploadError(err); uerr != err {
				return importSource{}, uerr
			}
			return importSource{}, &requestError{msg: "invalid multipart form"}
		}

		switch part.FormName() {
		case "file":
			if src.path != "" {
				part.Close()
				src.cleanup()
				return importSource{}, &requestError{msg: "only one file per request"}
			}
			path, err := s.writeTemp(part, limit)
			part.Close()
			if err != nil {
				return importSource{}, err
			}
			src.path, src.temp = path, true
		case "owner_id", "ownerId":
			src.ownerID = readField(part)
		case "import_id", "importId":
			src.importID = readField(part)
		default:
			part.Close()
		}
	}

	if src.path == "" {
		return importSource{}, &requestError{msg: "no file provided"}
	}
	return src, nil
}

func (s *Server) writeTemp(part io.Reader, limit int64) (string, error) {
	dir := s.cfg.Import.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "upload-*.csv")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	src := part
	if limit > 0 {
		src = io.LimitReader(part, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = &core.ValidationError{
			Code:    core.CodeFileTooLarge,
			Message: fmt.Sprintf("upload exceeds %d bytes", limit),
		}
	}
	if err != nil {
		os.Remove(f.Name())
		return "", uploadError(err)
	}
	return f.Name(), nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &core.ValidationError{
			Code:    core.CodeFileTooLarge,
			Message: fmt.Sprintf("request exceeds %d bytes", maxErr.Limit),
			Err:     err,
		}
	}
	return err
}

func readField(part io.ReadCloser) string {
	defer part.Close()
	b, _ := io.ReadAll(io.LimitReader(part, 1024))
	return string(b)
}
