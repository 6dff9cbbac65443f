// Package service exposes the flattener over HTTP and owns the dataset
// layout conventions (where a table's parquet files live, where flattened
// output lands). The handlers mirror the orchestration surface: flatten a
// table, plan without executing, report liveness.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flattener/internal/flatten"
	"flattener/internal/metrics"
)

// ServiceName identifies this service in heartbeat responses and logs.
const ServiceName = "flattener"

// Logger is the minimal logging interface used by the service.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Flattener is the orchestration surface the HTTP layer fronts.
// *Runner satisfies it; tests inject fakes.
type Flattener interface {
	FlattenTable(ctx context.Context, bucket, table string) (flatten.Result, error)
	PlanTable(ctx context.Context, bucket, table string) (flatten.Statement, error)
	PlanDictionary(ctx context.Context, ref, table string) (flatten.Statement, error)
}

// Server routes HTTP requests to a Flattener.
type Server struct {
	flattener Flattener
	log       Logger

	now func() time.Time
}

// New wires a server to its flattener. A nil logger discards output.
func New(f Flattener, log Logger) *Server {
	return &Server{flattener: f, log: log}
}

// Handler returns the route table. Paths match the service's public API:
//
//	GET  /heartbeat        liveness probe
//	POST /flatten_parquet  flatten one table's parquet files
//	POST /plan             compute the statement without executing
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/heartbeat", s.instrument("heartbeat", s.handleHeartbeat))
	mux.Handle("/flatten_parquet", s.instrument("flatten_parquet", s.handleFlattenParquet))
	mux.Handle("/plan", s.instrument("plan", s.handlePlan))
	return mux
}

// statusWriter captures the response code for instrumentation. WriteHeader
// is recorded once; implicit 200s are filled in by instrument.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		sw := &statusWriter{ResponseWriter: w}
		h(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		metrics.RecordHTTP(endpoint, sw.status, s.clock().Sub(start))
	})
}

type heartbeatResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logf("API status check called")
	s.writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:    "healthy",
		Timestamp: s.clock().UTC().Format(time.RFC3339),
		Service:   ServiceName,
	})
}

// flattenRequest is the body for /flatten_parquet and /plan. A malformed
// or absent body is treated as empty; missing-parameter checks do the
// rejecting.
type flattenRequest struct {
	DestinationBucket string `json:"destination_bucket"`
	TableID           string `json:"table_id"`
	DictionaryURL     string `json:"dictionary_url"`
}

func decodeRequest(r *http.Request) flattenRequest {
	var req flattenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req
}

func (s *Server) handleFlattenParquet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := decodeRequest(r)
	if req.TableID == "" || req.DestinationBucket == "" {
		http.Error(w, "Missing required parameters: table_id, destination_bucket", http.StatusBadRequest)
		return
	}

	s.logf("Flattening %s Parquet files", req.TableID)
	if _, err := s.flattener.FlattenTable(r.Context(), req.DestinationBucket, req.TableID); err != nil {
		s.logf("Unable to flatten %s Parquet files: %v", req.TableID, err)
		http.Error(w, fmt.Sprintf("Unable to flatten %s Parquet files: %v", req.TableID, err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Flattened %s Parquet files", req.TableID)
}

// planResponse carries the statement plus its rendered SQL.
type planResponse struct {
	flatten.Statement
	SQL string `json:"sql"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := decodeRequest(r)
	if req.TableID == "" || (req.DestinationBucket == "" && req.DictionaryURL == "") {
		http.Error(w, "Missing required parameters: table_id and one of destination_bucket, dictionary_url", http.StatusBadRequest)
		return
	}

	var (
		st  flatten.Statement
		err error
	)
	if req.DictionaryURL != "" {
		st, err = s.flattener.PlanDictionary(r.Context(), req.DictionaryURL, req.TableID)
	} else {
		st, err = s.flattener.PlanTable(r.Context(), req.DestinationBucket, req.TableID)
	}
	if err != nil {
		s.logf("Unable to plan %s: %v", req.TableID, err)
		http.Error(w, fmt.Sprintf("Unable to plan %s: %v", req.TableID, err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, planResponse{Statement: st, SQL: st.SQL()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logf("write response: %v", err)
	}
}

func (s *Server) logf(format string, v ...any) {
	if s.log != nil {
		s.log.Printf(format, v...)
	}
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
