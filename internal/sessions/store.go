// Package sessions owns conversation state: an in-memory manager serving the
// request path and a SQL repository for durability. The manager is the only
// writer; readers always get snapshots.
package sessions

import (
	"context"
	"errors"

	"github.com/medulla-ai/medulla/pkg/models"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrExists is returned when creating a session with a taken id.
	ErrExists = errors.New("session already exists")
)

// Repository is the durable collaborator behind the in-memory manager. The
// SQL implementation lives in this package; tests substitute fakes.
type Repository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error
	Delete(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]*models.Session, error)
	Close() error
}
