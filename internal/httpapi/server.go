package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/miniond/internal/config"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/observability"
	"github.com/antoniostano/miniond/internal/reports"
	"github.com/antoniostano/miniond/internal/scheduler"
	"github.com/antoniostano/miniond/internal/stream"
)

type Server struct {
	cfg      config.Config
	sched    *scheduler.Scheduler
	store    minion.Store
	reports  *reports.Store
	engine   stream.Engine
	metrics  *observability.Metrics
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sched *scheduler.Scheduler, store minion.Store, rep *reports.Store, engine stream.Engine, metrics *observability.Metrics, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		cfg:     cfg,
		sched:   sched,
		store:   store,
		reports: rep,
		engine:  engine,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the event feed unless
				// explicitly opened up; non-browser clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/minions", s.handleCreateRootMinion)
	r.Get("/v1/minions/{id}", s.handleGetMinion)
	r.Post("/v1/minions/{id}/messages", s.handleUserMessage)
	r.Post("/v1/minions/{id}/terminate-descendants", s.handleTerminateDescendants)
	r.Post("/v1/minions/{id}/auto-resume/reset", s.handleResetAutoResume)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/report", s.handleGetReport)
	r.Get("/v1/tasks/{id}/events", s.handleListTaskEvents)
	r.Post("/v1/tasks/{id}/wait", s.handleWaitForReport)
	r.Post("/v1/tasks/{id}/interrupt", s.handleInterruptTask)
	r.Post("/v1/tasks/{id}/resume", s.handleResumeTask)
	r.Delete("/v1/tasks/{id}", s.handleTerminateTask)

	r.Get("/v1/events/ws", s.handleEventsWS)
	r.Get("/v1/perf/stages", s.handleStageLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

// handleEventsWS streams scheduler events for one root minion over a
// websocket until the client goes away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	rootID := strings.TrimSpace(r.URL.Query().Get("root_minion_id"))
	if rootID == "" {
		respondError(w, http.StatusBadRequest, "missing_root_minion_id", "query parameter root_minion_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.sched.Subscribe(rootID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Reader only exists to notice the close.
		defer close(done)
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	switch {
	case strings.TrimSpace(s.cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(s.cfg.BoltPath) != "":
		return "bolt"
	default:
		return "in-memory"
	}
}
