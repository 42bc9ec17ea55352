// Package httpapi implements the read-only web viewer surface: a case
// detail endpoint and static image serving, one Server type wrapping a
// method-pattern *http.ServeMux.
package httpapi

import (
	"net/http"

	"caseforge/internal/objectstore"
	"caseforge/internal/store"
)

// Server exposes the case viewer API and static image serving.
type Server struct {
	Store  store.Store
	Images objectstore.ObjectStore
	mux    *http.ServeMux
}

// NewServer wires routes and returns a ready-to-serve Server.
func NewServer(st store.Store, images objectstore.ObjectStore) *Server {
	s := &Server{Store: st, Images: images, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/cases/{case_id}", s.handleGetCase)
	s.mux.HandleFunc("GET /static/", s.handleStatic)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}
