package registry

import (
	"strings"
	"time"
)

// Actionner is a backend executor reachable over one protocol at one remote
// address. Actionners are append-only.
type Actionner struct {
	ID        uint32    `json:"id"`
	Protocol  string    `json:"protocol"`
	Name      string    `json:"name"`
	Remote    string    `json:"remote"`
	CreatedAt time.Time `json:"created_at"`
}

// Object is a controllable device owned by exactly one actionner.
//
// IDInActionner is the key the actionner uses to address the device; it is
// only unique within that actionner.
type Object struct {
	ID            uint32    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	KindID        uint32    `json:"kind_id"`
	ActionnerID   uint32    `json:"actionner_id"`
	IDInActionner string    `json:"id_in_actionner"`
	CreatedAt     time.Time `json:"created_at"`
}

// Kind maps a device kind label to the numeric id used for filtering.
type Kind struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// KindLED is the built-in kind every fresh registry starts with.
var KindLED = Kind{ID: 1, Name: "led"}

// kindKey normalises a kind label for lookup.
func kindKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Stats summarises the registry contents.
type Stats struct {
	Objects    int               `json:"objects"`
	Actionners int               `json:"actionners"`
	Kinds      int               `json:"kinds"`
	ByProtocol map[string]int    `json:"actionners_by_protocol"`
	ByKind     map[uint32]int    `json:"objects_by_kind"`
	LastIssued map[string]uint32 `json:"last_issued_ids"`
}
