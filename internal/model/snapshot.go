package model

import (
	"encoding/json"
	"time"
)

// Snapshot is a self-contained serialized model: configuration, fitted
// state, and training metadata. It never holds a live estimator.
type Snapshot struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"model_type"`
	Version   string          `json:"model_version"`
	Entity    string          `json:"entity,omitempty"`
	Params    json.RawMessage `json:"params"`
	State     json.RawMessage `json:"state"`
	Training  *TrainResult    `json:"training,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshotter is implemented by models that can be persisted.
type Snapshotter interface {
	Snapshot() (*Snapshot, error)
}
