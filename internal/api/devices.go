package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homegate/internal/registry"
)

// RegisterDeviceRequest is the body of POST /devices.
//
// KindID may be omitted (or 0), in which case the id is derived from Kind.
type RegisterDeviceRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	KindID        uint32 `json:"kind_id"`
	ActionnerID   uint32 `json:"actionner_id"`
	IDInActionner string `json:"id_in_actionner"`
}

// CommandRequest is the JSON body of POST /devices/{id}/command. Command is
// base64 in JSON; Text is a convenience for printable commands.
type CommandRequest struct {
	Command []byte `json:"command"`
	Text    string `json:"text,omitempty"`
}

// CommandResponse reports a completed command. Reply is base64 in JSON.
type CommandResponse struct {
	ObjectID   uint32 `json:"object_id"`
	Reply      []byte `json:"reply"`
	ReplyText  string `json:"reply_text"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
}

// handleListDevices returns devices in registration order.
//
// Query parameters:
//   - kind_id: numeric kind; 0 or absent lists every device
//   - kind: kind label, used when kind_id is absent
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var kindID uint32
	q := r.URL.Query()

	switch {
	case q.Get("kind_id") != "":
		n, err := strconv.ParseUint(q.Get("kind_id"), 10, 32)
		if err != nil {
			writeBadRequest(w, "kind_id must be an unsigned 32-bit integer")
			return
		}
		kindID = uint32(n)
	case q.Get("kind") != "":
		k, ok := s.registry.KindByName(q.Get("kind"))
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"objects": []registry.Object{}, "count": 0})
			return
		}
		kindID = k.ID
	}

	objects := s.registry.ListDevices(kindID)
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects, "count": len(objects)})
}

// handleGetDevice returns one device and its actionner.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	obj, act, err := s.registry.Resolve(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": obj, "actionner": act})
}

// handleRegisterDevice adds a device to an existing actionner.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" && req.KindID == 0 {
		writeBadRequest(w, "kind or kind_id is required")
		return
	}

	obj, err := s.registry.RegisterDevice(r.Context(), registry.NewObject{
		Name:          req.Name,
		Kind:          req.Kind,
		KindID:        req.KindID,
		ActionnerID:   req.ActionnerID,
		IDInActionner: req.IDInActionner,
	})
	if err != nil {
		s.registrationFailed(w, err)
		return
	}

	for _, o := range s.observers {
		o.DeviceRegistered(obj)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": obj.ID, "object": obj})
}

// handleCommand sends a command to a device and returns the actionner's
// reply. The body is either raw bytes (application/octet-stream) or a
// CommandRequest.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	command, err := readCommand(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.dispatcher.Command(r.Context(), id, command)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{
		ObjectID:   res.ObjectID,
		Reply:      res.Reply,
		ReplyText:  string(res.Reply),
		State:      res.State().String(),
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// readCommand extracts the command bytes from the request body. Commands
// are opaque, so an empty one is passed on as is.
func readCommand(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")) //nolint:errcheck // empty on error
	if mediaType == "application/octet-stream" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return body, nil
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if len(req.Command) == 0 && req.Text != "" {
		return []byte(req.Text), nil
	}
	return req.Command, nil
}

// pathID parses the {id} URL parameter, writing a 400 when it is not a
// uint32.
func pathID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeBadRequest(w, "id must be an unsigned 32-bit integer")
		return 0, false
	}
	return uint32(n), true
}
