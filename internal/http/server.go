package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Thang0611/server-sub000/internal/audit"
	"github.com/Thang0611/server-sub000/internal/bus"
	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/internal/recovery"
	"github.com/Thang0611/server-sub000/internal/service"
	"github.com/Thang0611/server-sub000/pkg/models"
	"github.com/Thang0611/server-sub000/pkg/storage"
)

// Server bundles the admin and worker-callback surface. User-facing routes
// (shop pages, checkout) live in a different system.
type Server struct {
	svc        *service.FulfillmentService
	reconciler *recovery.Reconciler
	recorder   *audit.Recorder
	hub        *bus.Hub
	batchSize  int
}

func NewServer(svc *service.FulfillmentService, rec *recovery.Reconciler, recorder *audit.Recorder, hub *bus.Hub, batchSize int) *Server {
	return &Server{svc: svc, reconciler: rec, recorder: recorder, hub: hub, batchSize: batchSize}
}

// Mux wires all routes onto a fresh ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/orders", s.OrdersHandler)
	mux.HandleFunc("/orders/", s.OrderByIDHandler)
	mux.HandleFunc("/tasks", s.TasksHandler)
	mux.HandleFunc("/tasks/", s.TaskByIDHandler)
	mux.HandleFunc("/admin/recover", s.RecoverHandler)
	mux.HandleFunc("/events/", s.EventsHandler)
	mux.HandleFunc("/audit", s.AuditHandler)
	mux.HandleFunc("/audit/summary", s.AuditSummaryHandler)
	return mux
}

// Start blocks serving on the given port.
func (s *Server) Start(port string) error {
	log.GetLogger().Infof("Starting fulfillment server on :%s", port)
	return http.ListenAndServe(":"+port, s.Mux())
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Fulfillment server is running")
}

type orderRequest struct {
	Code        string `json:"code"`
	TotalAmount int64  `json:"total_amount"`
	Items       []struct {
		Email      string `json:"email"`
		CourseURL  string `json:"course_url"`
		CourseType string `json:"course_type"`
	} `json:"items"`
}

// OrdersHandler creates an order from a purchase event.
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	items := make([]service.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.OrderItem{
			Email:      it.Email,
			CourseURL:  it.CourseURL,
			CourseType: models.CourseType(it.CourseType),
		})
	}
	id, err := s.svc.CreateOrder(req.Code, req.TotalAmount, items)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// OrderByIDHandler serves GET /orders/{id} and POST /orders/{id}/pay.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		order, err := s.svc.GetOrder(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case len(parts) == 2 && parts[1] == "pay" && r.Method == http.MethodPost:
		if err := s.svc.ConfirmPayment(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "processing"})
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

type taskRequest struct {
	Email      string `json:"email"`
	CourseURL  string `json:"course_url"`
	CourseType string `json:"course_type"`
}

// TasksHandler creates an admin-triggered standalone task.
func (s *Server) TasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	id, err := s.svc.CreateStandaloneTask(r.Context(), req.Email, req.CourseURL, models.CourseType(req.CourseType))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type completeRequest struct {
	ResultURL string `json:"result_url"`
}

type failRequest struct {
	Message string `json:"message"`
}

// TaskByIDHandler serves GET /tasks/{id} plus the worker callbacks
// /tasks/{id}/complete and /tasks/{id}/fail and the admin /tasks/{id}/retry.
func (s *Server) TaskByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid task id", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		task, err := s.svc.GetTask(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case len(parts) == 2 && parts[1] == "complete" && r.Method == http.MethodPost:
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.svc.HandleWorkerCompletion(r.Context(), id, req.ResultURL); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.CompletedTaskStatus)})
	case len(parts) == 2 && parts[1] == "fail" && r.Method == http.MethodPost:
		var req failRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.svc.HandleWorkerFailure(r.Context(), id, req.Message); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.FailedTaskStatus)})
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		if err := s.svc.AdminRetry(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.ProcessingTaskStatus)})
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// EventsHandler streams progress events for one task or order as
// server-sent events. The stream is best-effort; clients re-fetch the row on
// reconnect.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hub == nil {
		http.Error(w, "Event streaming disabled", http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/events/"), "/")
	if len(parts) != 2 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	scope := models.ProgressScope(parts[0])
	if scope != models.TaskScope && scope != models.OrderScope {
		http.Error(w, "Invalid scope", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	session := bus.NewChannelSession(16)
	s.hub.Subscribe(scope, id, session)
	defer func() {
		s.hub.Unsubscribe(scope, id, session)
		session.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-session.Frames():
			data, err := json.Marshal(frame.Data)
			if err != nil {
				log.GetLogger().Errorf("Failed to encode event frame: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, data)
			flusher.Flush()
		}
	}
}

// RecoverHandler triggers a bounded reconciliation pass and returns its
// structured summary.
func (s *Server) RecoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	opts := recovery.Options{BatchSize: s.batchSize, AdminMode: r.URL.Query().Get("admin") == "true"}
	if raw := r.URL.Query().Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid order_id", http.StatusBadRequest)
			return
		}
		opts.OrderID = &id
	}
	summary, err := s.reconciler.Run(r.Context(), opts)
	if err != nil {
		log.GetLogger().Errorf("Recovery pass failed to start: %v", err)
		http.Error(w, fmt.Sprintf("Recovery unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AuditHandler lists audit entries with optional filters.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.recorder.List(filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list audit entries: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// AuditSummaryHandler aggregates counts per severity/category.
func (s *Server) AuditSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := s.recorder.Summary(filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to build audit summary: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func auditFilterFromQuery(r *http.Request) (storage.AuditFilter, error) {
	var f storage.AuditFilter
	q := r.URL.Query()
	if raw := q.Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid order_id")
		}
		f.OrderID = &id
	}
	if raw := q.Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid task_id")
		}
		f.TaskID = &id
	}
	if raw := q.Get("severity"); raw != "" {
		sev := models.AuditSeverity(raw)
		f.Severity = &sev
	}
	if raw := q.Get("category"); raw != "" {
		cat := models.AuditCategory(raw)
		f.Category = &cat
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = limit
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *models.ValidationError:
		http.Error(w, e.Error(), http.StatusBadRequest)
	case *models.StatusConflictError:
		http.Error(w, e.Error(), http.StatusConflict)
	default:
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Request failed: %v", err)
		http.Error(w, fmt.Sprintf("Internal error: %v", err), http.StatusInternalServerError)
	}
}
