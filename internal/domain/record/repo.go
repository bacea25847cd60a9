package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrPatientNotFound = errors.New("patient not found, please register first")
	ErrValidation      = errors.New("validation failed")
	ErrNoPhotos        = errors.New("at least one photo must be uploaded")
	ErrForbidden       = errors.New("access denied")
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	// GetByID returns the record with its patient summary attached.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
	// Update writes every mutable field of r.
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	PhotoPathsByAccount(ctx context.Context, accountID uuid.UUID) ([]string, error)
}
