package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/dataset"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/metrics"
	"qci-scorer-go/internal/pipeline"
	"qci-scorer-go/internal/types"
)

const maxBodyBytes = 64 << 20

type server struct {
	pipe     *pipeline.Pipeline
	metrics  *metrics.Recorder
	log      *logger.Logger
	dataPath string
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.log.WithRequest(r).Debug("health check")
		io.WriteString(w, "ok")
	})
	mux.HandleFunc("POST /score", s.handleScore)
	mux.HandleFunc("POST /estimate", s.handleEstimate)
	mux.HandleFunc("GET /demo", s.handleDemo)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// handleScore scores the posted call records and returns the report.
func (s *server) handleScore(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "score")
	raws, err := readRecords(w, r)
	if err != nil {
		reqLog.WithError(err).Warn("bad request body")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reqLog.WithField("records", len(raws)).Info("score request received")
	s.runAndRespond(w, r, raws)
}

// handleEstimate projects the cost of scoring the posted records.
func (s *server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "estimate")
	raws, err := readRecords(w, r)
	if err != nil {
		reqLog.WithError(err).Warn("bad request body")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	valid, invalid, est := s.pipe.Prepare(raws)
	writeJSON(w, http.StatusOK, map[string]any{
		"estimate": est,
		"valid":    len(valid),
		"invalid":  len(invalid),
		"stats":    dataset.Summarize(joinCalls(valid, invalid)),
	})
}

// handleDemo scores the first few records of the configured dataset.
func (s *server) handleDemo(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "demo")
	records, err := dataset.Load(s.dataPath)
	if err != nil {
		reqLog.WithError(err).Error("dataset load error")
		writeError(w, http.StatusInternalServerError, errors.New("dataset load error"))
		return
	}
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, len(records))
	reqLog.WithField("records", limit).Info("demo invoked")
	s.runAndRespond(w, r, records[:limit])
}

func (s *server) runAndRespond(w http.ResponseWriter, r *http.Request, raws []types.RawCallRecord) {
	rep, err := s.pipe.Run(r.Context(), raws)
	if err != nil {
		var budget *cost.ErrBudgetExceeded
		if errors.As(err, &budget) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.log.WithRequest(r).WithError(err).Error("pipeline failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// joinCalls returns a fresh slice; neither input's backing array is written.
func joinCalls(valid, invalid []types.NormalizedCall) []types.NormalizedCall {
	out := make([]types.NormalizedCall, 0, len(valid)+len(invalid))
	return append(append(out, valid...), invalid...)
}

func readRecords(w http.ResponseWriter, r *http.Request) ([]types.RawCallRecord, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return dataset.ParseJSON(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
