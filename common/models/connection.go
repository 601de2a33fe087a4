package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Connection is a saved credential for a connector app. Secrets live in
// the encrypted payload column and never leave the worker boundary.
type Connection struct {
	ID        uuid.UUID       `json:"id"`
	App       string          `json:"app"`
	Name      string          `json:"name"`
	Secrets   json.RawMessage `json:"-"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
