package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/db"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/models"
)

// ConnectionRepository handles database operations for saved connector
// credentials
type ConnectionRepository struct {
	db *db.DB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(database *db.DB) *ConnectionRepository {
	return &ConnectionRepository{db: database}
}

// Create inserts a saved connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	query := `
		INSERT INTO connection (id, app, name, secrets, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query, conn.ID, conn.App, conn.Name, conn.Secrets, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetByID retrieves a saved connection including its secrets
func (r *ConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	query := `
		SELECT id, app, name, secrets, created_at, updated_at
		FROM connection
		WHERE id = $1
	`

	conn := &models.Connection{}
	err := r.db.QueryRow(ctx, query, id).Scan(&conn.ID, &conn.App, &conn.Name, &conn.Secrets, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// Resolve implements engine.CredentialSource over saved connections.
// Inline credentials win over a saved connection id when both are set.
func (r *ConnectionRepository) Resolve(ctx context.Context, ref *graph.AuthRef) (map[string]string, error) {
	if ref == nil || ref.Empty() {
		return nil, connector.Errorf(connector.KindMissingConnection, "node has no auth reference")
	}
	if len(ref.Inline) > 0 {
		return ref.Inline, nil
	}

	id, err := uuid.Parse(ref.ConnectionID)
	if err != nil {
		return nil, connector.Errorf(connector.KindMissingConnection, "invalid connection id %q", ref.ConnectionID)
	}

	conn, err := r.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, connector.Errorf(connector.KindMissingConnection, "connection %s does not exist", ref.ConnectionID)
	}
	if err != nil {
		return nil, err
	}

	var secrets map[string]string
	if err := json.Unmarshal(conn.Secrets, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal connection secrets: %w", err)
	}
	return secrets, nil
}

// Refresh re-reads the saved connection, picking up rotated secrets
func (r *ConnectionRepository) Refresh(ctx context.Context, ref *graph.AuthRef) (map[string]string, error) {
	return r.Resolve(ctx, ref)
}
