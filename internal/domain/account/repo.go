package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("patient not found")
	ErrConflict           = errors.New("already exists")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactive           = errors.New("account is inactive")
	ErrForbidden          = errors.New("access denied")
)

type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByLoginID(ctx context.Context, loginID string) (*Account, error)
	// Resolve finds an account by canonical id or by login id. An exact id
	// match wins over a login id that happens to look like a UUID.
	Resolve(ctx context.Context, ref string) (*Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	// Update persists every mutable field. A login id change is carried
	// over to the account's records.
	Update(ctx context.Context, a *Account) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Account, int, error)
}
