package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"permagate/pkg/chunk"
	"permagate/pkg/resolver"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subpath := r.PathValue("path")

	if err := types.ValidateID(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Raw ids never change, so a matching tag needs no resolution.
	if subpath == "" && etagMatches(r.Header.Get("If-None-Match"), id) {
		writeNotModified(w, id)
		return
	}

	resolve := s.deps.Resolver.ResolvePath
	if st, ok := s.deps.Resolver.(Stater); ok && r.Method == http.MethodHead {
		resolve = st.Stat
	}
	c, err := resolve(r.Context(), id, subpath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer c.Body.Close()

	if etagMatches(r.Header.Get("If-None-Match"), c.ID) {
		writeNotModified(w, c.ID)
		return
	}

	h := w.Header()
	h.Set("Content-Type", c.ContentType)
	h.Set("ETag", etag(c.ID))
	h.Set("Cache-Control", immutableCacheControl)
	h.Set("X-Permagate-Source", c.Source)
	if c.ID != id {
		h.Set("X-Permagate-Resolved-Id", c.ID)
	}
	if c.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(c.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, c.Body)
	if err != nil {
		// Headers are gone; all that is left is to cut the response short.
		s.logger.Warn("Content stream failed",
			zap.String("id", c.ID),
			zap.String("source", c.Source),
			zap.Int64("written", n),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	if c.ContentLength >= 0 && n != c.ContentLength {
		s.logger.Warn("Content length mismatch",
			zap.String("id", c.ID),
			zap.Int64("declared", c.ContentLength),
			zap.Int64("written", n))
	}
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "chunk uploads are disabled"})
		return
	}

	var upload chunk.UploadedChunk
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChunkBody)).Decode(&upload); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed chunk: %w", types.ErrValidation, err))
		return
	}

	loc, err := s.deps.Ingestor.Ingest(r.Context(), upload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_root":  loc.DataRoot,
		"offset":     strconv.FormatInt(loc.Offset, 10),
		"chunk_size": strconv.FormatInt(loc.ChunkSize, 10),
	})
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "transaction relay is disabled"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: unreadable transaction: %w", types.ErrValidation, err))
		return
	}

	var tx types.SubmittedTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		s.writeError(w, r, types.Validationf("malformed transaction: %v", err))
		return
	}
	if err := types.ValidateID(tx.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	dispatch, err := s.deps.Jobs.Enqueue(ctx, types.JobDispatch, types.DispatchJob{ID: tx.ID, Raw: raw})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	imported, err := s.deps.Jobs.Enqueue(ctx, types.JobImport, types.ImportJob{ID: tx.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("Transaction accepted", zap.String("id", tx.ID))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":   tx.ID,
		"jobs": []string{dispatch, imported},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	online := 0
	var origins []types.OriginNode
	if s.deps.Origins != nil {
		origins = s.deps.Origins.Snapshot()
		for _, o := range origins {
			if o.Online {
				online++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           "permagate",
		"origins":        len(origins),
		"origins_online": online,
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor refines types.HTTPStatus with the origin's own verdict on
// withdrawn content.
func statusFor(err error) int {
	var originErr *types.OriginError
	if errors.As(err, &originErr) && originErr.Status == http.StatusGone {
		return http.StatusGone
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return types.HTTPStatus(err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func etag(id string) string {
	return `"` + id + `"`
}

func etagMatches(header, id string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag(id) {
			return true
		}
	}
	return false
}

func writeNotModified(w http.ResponseWriter, id string) {
	w.Header().Set("ETag", etag(id))
	w.Header().Set("Cache-Control", immutableCacheControl)
	w.WriteHeader(http.StatusNotModified)
}

var _ Resolver = (*resolver.Resolver)(nil)
