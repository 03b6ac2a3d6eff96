package docstore

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Server exposes a Store over the document HTTP API.
type Server struct {
	store  Store
	auth   *JWTAuth
	hub    *Hub
	logger *slog.Logger
}

// NewServer wires the API handlers. A nil hub disables subscriptions.
func NewServer(store Store, auth *JWTAuth, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, auth: auth, hub: hub, logger: logger.With("component", "api")}
}

// Router returns the HTTP handler.
//
//	GET    /api/v1/health
//	POST   /api/v1/documents
//	GET    /api/v1/documents?owner_id=&include_deleted=&updated_since=
//	GET    /api/v1/documents/subscribe?owner_id=
//	GET    /api/v1/documents/{id}
//	PUT    /api/v1/documents/{id}
//	DELETE /api/v1/documents/{id}
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/documents", s.handleCreate)
			r.Get("/documents", s.handleList)
			r.Get("/documents/subscribe", s.handleSubscribe)
			r.Get("/documents/{id}", s.handleGet)
			r.Put("/documents/{id}", s.handlePut)
			r.Delete("/documents/{id}", s.handleDelete)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	doc, ok := s.decode(w, r, owner)
	if !ok {
		return
	}

	created, err := s.store.Create(r.Context(), doc)
	if err != nil {
		s.storeError(w, "create", err)
		return
	}
	s.logger.Info("document created", "id", created.ID, "owner", owner, "version", created.Version)
	s.notify(r, owner)
	writeJSON(w, http.StatusCreated, map[string]string{"id": created.ID})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	doc, ok := s.decode(w, r, owner)
	if !ok {
		return
	}
	doc.ID = chi.URLParam(r, "id")

	stored, created, err := s.store.Put(r.Context(), doc)
	if err != nil {
		s.storeError(w, "put", err)
		return
	}
	s.logger.Info("document written", "id", stored.ID, "owner", owner, "version", stored.Version, "created", created)
	s.notify(r, owner)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owned(w, r); !ok {
		return
	}
	owner := OwnerFromContext(r.Context())

	doc, err := s.store.SoftDelete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "delete", err)
		return
	}
	s.logger.Info("document deleted", "id", doc.ID, "owner", owner, "version", doc.Version)
	s.notify(r, owner)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	q := r.URL.Query()

	if id := q.Get("owner_id"); id != "" && id != owner {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}

	query := Query{OwnerID: owner}
	if v := q.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_deleted must be a boolean")
			return
		}
		query.IncludeDeleted = b
	}
	if v := q.Get("updated_since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "updated_since must be RFC3339")
			return
		}
		query.UpdatedSince = t
	}

	docs, err := s.store.List(r.Context(), query)
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if id := r.URL.Query().Get("owner_id"); id != "" && id != owner {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "subscriptions disabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(r.Context(), owner, conn)
}

// decode reads a document body and checks it belongs to owner.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, owner string) (Document, bool) {
	var doc Document
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document: "+err.Error())
		return Document{}, false
	}
	if doc.OwnerID == "" {
		doc.OwnerID = owner
	}
	if doc.OwnerID != owner {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return Document{}, false
	}
	if doc.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return Document{}, false
	}
	if doc.Version < 1 {
		doc.Version = 1
	}
	return doc, true
}

// owned loads the {id} document and checks the caller owns it.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (Document, bool) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get", err)
		return Document{}, false
	}
	if doc.OwnerID != OwnerFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return Document{}, false
	}
	return doc, true
}

func (s *Server) notify(r *http.Request, owner string) {
	if s.hub != nil {
		s.hub.Notify(r.Context(), owner)
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("store failure", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
