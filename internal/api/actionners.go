package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/homegate/internal/registry"
)

// warmTimeout bounds the background dial made after registration.
const warmTimeout = 30 * time.Second

// RegisterActionnerRequest is the body of POST /actionners.
type RegisterActionnerRequest struct {
	Protocol string `json:"protocol"`
	Name     string `json:"name"`
	Remote   string `json:"remote"`
}

// handleListActionners returns every actionner in registration order.
func (s *Server) handleListActionners(w http.ResponseWriter, _ *http.Request) {
	actionners := s.registry.ListActionners()
	writeJSON(w, http.StatusOK, map[string]any{"actionners": actionners, "count": len(actionners)})
}

// handleGetActionner returns one actionner and the devices it owns.
func (s *Server) handleGetActionner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	a, err := s.registry.GetActionner(id)
	if err != nil {
		writeFault(w, err)
		return
	}

	owned := make([]registry.Object, 0)
	for _, o := range s.registry.ListDevices(0) {
		if o.ActionnerID == id {
			owned = append(owned, o)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actionner": a, "objects": owned})
}

// handleRegisterActionner adds an actionner for a catalogued protocol.
// Empty names and remotes are accepted.
func (s *Server) handleRegisterActionner(w http.ResponseWriter, r *http.Request) {
	var req RegisterActionnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	a, err := s.registry.RegisterActionner(r.Context(), req.Protocol, req.Name, req.Remote)
	if err != nil {
		s.registrationFailed(w, err)
		return
	}

	for _, o := range s.observers {
		o.ActionnerRegistered(a)
	}
	if s.warm {
		s.warmActionner(a)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": a.ID, "actionner": a})
}

// warmActionner dials a new actionner in the background. Failure only
// means the first command will dial instead.
func (s *Server) warmActionner(a registry.Actionner) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		if err := s.dispatcher.Warm(ctx, a.ID); err != nil {
			s.logger.Warn("pre-connecting actionner failed",
				"actionner_id", a.ID, "protocol", a.Protocol, "remote", a.Remote, "error", err)
		}
	}()
}
