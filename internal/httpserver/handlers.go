package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"giftrelay/internal/domain"
	"giftrelay/internal/service"
)

type API struct {
	Svc *service.Outbox
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/tasks", a.handleEnqueueTask).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}", a.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/v1/timers", a.handleStartTimer).Methods(http.MethodPost)
	r.HandleFunc("/v1/timers", a.handleCancelTimers).Methods(http.MethodDelete)
	r.HandleFunc("/v1/templates", a.handleListTemplates).Methods(http.MethodGet)
}

func (a *API) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	taskID, err := a.Svc.EnqueueTask(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateInflight):
			// The first submission owns the work; report accepted.
			w.WriteHeader(http.StatusAccepted)
			return
		case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrUnknownKind):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		default:
			slog.Error("enqueue task failed", "err", err, "order_id", req.OrderID, "user_id", req.UserID)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, domain.EnqueueResponse{
		TaskID: taskID,
		Status: string(domain.StatusPending),
	})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	task, found, err := a.Svc.GetTask(r.Context(), id)
	if err != nil {
		slog.Error("get task failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

func (a *API) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req domain.StartTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	timerID, created, err := a.Svc.StartTimer(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("start timer failed", "err", err, "order_id", req.OrderID, "step", req.OrderStep)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, domain.TimerResponse{TimerID: timerID, Started: created})
}

func (a *API) handleCancelTimers(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelTimersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	n, err := a.Svc.CancelTimers(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("cancel timers failed", "err", err, "order_id", req.OrderID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, domain.CancelResponse{Canceled: n})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	templates, err := a.Svc.ListTemplates(r.Context(), activeOnly)
	if err != nil {
		slog.Error("list templates failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

type taskJSON struct {
	ID         string `json:"id"`
	OrderID    int64  `json:"orderId"`
	UserID     int64  `json:"userId"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
	CreatedAt  string `json:"createdAt"`
	SentAt     string `json:"sentAt,omitempty"`
}

func taskView(t domain.DeliveryTask) taskJSON {
	out := taskJSON{
		ID:         t.ID,
		OrderID:    t.OrderID,
		UserID:     t.UserID,
		Kind:       string(t.Kind),
		Status:     string(t.Status),
		RetryCount: t.RetryCount,
		LastError:  t.LastError,
		CreatedAt:  t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if t.SentAt != nil {
		out.SentAt = t.SentAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
