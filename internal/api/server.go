package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autocheckin/internal/auth"
	"autocheckin/internal/config"
	"autocheckin/internal/domain"
	"autocheckin/internal/history"
	"autocheckin/internal/scheduler"
)

type Server struct {
	r     *chi.Mux
	store *config.Store
	flow  *auth.Flow
	hist  history.Repository
}

func NewServer(store *config.Store, flow *auth.Flow, hist history.Repository) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, flow: flow, hist: hist}

	r.Get("/health", s.health)
	r.Get("/api/config", s.getConfig)
	r.Put("/api/config", s.updateConfig)
	r.Post("/api/tasks", s.addTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Get("/api/login/qr", s.loginQR)
	r.Get("/api/login/status", s.loginStatus)
	r.Get("/api/history", s.listHistory)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.store.Get())
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := scheduler.ValidateReportExpression(cfg.Global.Notification.DailyReport); err != nil {
		http.Error(w, "invalid daily report expression: "+err.Error(), 400)
		return
	}
	if err := s.store.Replace(cfg); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, s.store.Get())
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if task.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	task.ID = "" // ids are store-assigned
	created, err := s.store.UpsertTask(task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateTask(task); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, task)
}

// deleteTask is idempotent: deleting an already-gone task is still a 204.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTask(id); err != nil && !errors.Is(err, config.ErrNotFound) {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginQRResp struct {
	Token string `json:"token"`
	Image string `json:"image"` // base64 PNG
}

func (s *Server) loginQR(w http.ResponseWriter, r *http.Request) {
	session, err := s.flow.Begin(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	writeJSON(w, 200, loginQRResp{
		Token: session.Token,
		Image: base64.StdEncoding.EncodeToString(session.QRPNG),
	})
}

type loginStatusResp struct {
	Status  string `json:"status"` // pending | ok | expired
	Cookie  string `json:"cookie,omitempty"`
	ClassID string `json:"class_id,omitempty"`
}

// loginStatus polls a QR session. When task_id is given and the login has
// completed, the fresh credential is written into that task.
func (s *Server) loginStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", 400)
		return
	}
	cred, err := s.flow.Poll(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpired) {
			writeJSON(w, 200, loginStatusResp{Status: "expired"})
			return
		}
		http.Error(w, err.Error(), 502)
		return
	}
	if cred == nil {
		writeJSON(w, 200, loginStatusResp{Status: "pending"})
		return
	}
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		if err := s.store.SetCredential(taskID, cred.Cookie, cred.ClassID); err != nil && !errors.Is(err, config.ErrNotFound) {
			http.Error(w, err.Error(), 500)
			return
		}
	}
	writeJSON(w, 200, loginStatusResp{Status: "ok", Cookie: cred.Cookie, ClassID: cred.ClassID})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	attempts, err := s.hist.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, 200, attempts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
