// Package layerevents consumes server side layer change notifications and
// forwards them to the session.
package layerevents

import (
	"fmt"
	"strings"
	"time"
)

const (
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

type Event struct {
	Version      int       `json:"version"`
	Op           string    `json:"op"`
	Layer        string    `json:"layer"`
	TS           time.Time `json:"ts"`
	LayerVersion int64     `json:"layer_version,omitempty"`
	Source       string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpUpdated, OpDeleted:
	default:
		return fmt.Errorf("op must be updated|deleted")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.LayerVersion < 0 {
		return fmt.Errorf("layer_version must not be negative")
	}
	return nil
}
