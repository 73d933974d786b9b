package api

import "net/http"

// handleListProtocols returns the protocol catalog in registration order.
func (s *Server) handleListProtocols(w http.ResponseWriter, _ *http.Request) {
	protocols := s.registry.ListProtocols()
	writeJSON(w, http.StatusOK, map[string]any{"protocols": protocols, "count": len(protocols)})
}

// handleListKinds returns every known kind label ordered by id.
func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	kinds := s.registry.ListKinds()
	writeJSON(w, http.StatusOK, map[string]any{"kinds": kinds, "count": len(kinds)})
}
