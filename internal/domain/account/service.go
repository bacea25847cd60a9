package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/platform/auth"
)

// Invalidator drops cached principals after an account changes.
type Invalidator interface {
	Invalidate(id string)
}

// RecordPhotos lists the photo paths held by an account's records, so they
// can be removed from disk when the account is deleted.
type RecordPhotos interface {
	PhotoPathsByAccount(ctx context.Context, accountID uuid.UUID) ([]string, error)
}

// FileRemover deletes a stored photo by its public path.
type FileRemover interface {
	Remove(publicPath string) error
}

type Service struct {
	repo    Repository
	tokens  *auth.TokenManager
	revoked auth.RevocationStore
	cache   Invalidator
	photos  RecordPhotos
	files   FileRemover
	logger  zerolog.Logger
}

func NewService(repo Repository, tokens *auth.TokenManager, revoked auth.RevocationStore, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		tokens:  tokens,
		revoked: revoked,
		logger:  logger.With().Str("component", "account").Logger(),
	}
}

// SetCache registers the principal cache to invalidate on writes.
func (s *Service) SetCache(c Invalidator) { s.cache = c }

// SetPhotoCleanup wires the cascade that removes record photos when an
// account is deleted.
func (s *Service) SetPhotoCleanup(photos RecordPhotos, files FileRemover) {
	s.photos = photos
	s.files = files
}

// LoginResult is a successful login.
type LoginResult struct {
	Token   string
	Claims  *auth.Claims
	Account *Account
}

// Login checks credentials and issues a session token. Unknown accounts and
// wrong passwords both yield ErrInvalidCredentials. A plaintext password that
// matches is replaced by its bcrypt hash.
func (s *Service) Login(ctx context.Context, loginID, password string) (*LoginResult, error) {
	loginID = strings.TrimSpace(loginID)
	if loginID == "" || password == "" {
		return nil, fmt.Errorf("%w: loginid and Password are required", ErrValidation)
	}

	a, err := s.repo.GetByLoginID(ctx, loginID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	ok, needsRehash := auth.VerifyPassword(a.PasswordHash, password)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if needsRehash {
		s.upgradePassword(ctx, a, password)
	}

	if !a.IsActive() {
		return nil, ErrInactive
	}

	token, claims, err := s.tokens.Issue(a.ID.String(), a.LoginID, a.Role)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, Claims: claims, Account: a}, nil
}

func (s *Service) upgradePassword(ctx context.Context, a *Account, password string) {
	hash, err := auth.HashPassword(password)
	if err == nil {
		err = s.repo.UpdatePassword(ctx, a.ID, hash)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", a.ID.String()).Msg("password upgrade failed")
		return
	}
	a.PasswordHash = hash
	s.logger.Info().Str("account_id", a.ID.String()).Msg("plaintext password upgraded to bcrypt")
}

// Logout revokes the token described by claims until it would have expired.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.ID == "" || s.revoked == nil {
		return nil
	}
	exp := time.Now().Add(s.tokens.TTL())
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return s.revoked.Revoke(ctx, claims.ID, exp)
}

// Register creates an active patient account.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Account, error) {
	return s.register(ctx, req, auth.StatusActive)
}

// Apply creates an inactive patient account awaiting admin activation.
func (s *Service) Apply(ctx context.Context, req *RegisterRequest) (*Account, error) {
	return s.register(ctx, req, auth.StatusInactive)
}

func (s *Service) register(ctx context.Context, req *RegisterRequest, status string) (*Account, error) {
	if !req.complete() {
		return nil, fmt.Errorf("%w: missing required fields", ErrValidation)
	}
	if *req.Age < 0 || *req.Month < 0 {
		return nil, fmt.Errorf("%w: Age and Month must not be negative", ErrValidation)
	}

	loginID := req.Login()
	if _, err := s.repo.GetByLoginID(ctx, loginID); err == nil {
		return nil, fmt.Errorf("loginid %w", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	email := strings.TrimSpace(req.Email)
	exists, err := s.repo.EmailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("Email %w", ErrConflict)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	a := &Account{
		LoginID:      loginID,
		PasswordHash: hash,
		NameCN:       strings.TrimSpace(req.NameCN),
		NameEN:       strings.TrimSpace(req.NameEN),
		Age:          *req.Age,
		Month:        *req.Month,
		Email:        email,
		PhoneNumber:  strings.TrimSpace(req.PhoneNumber),
		Status:       status,
		Role:         auth.RolePatient,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Create is the admin path: any role or status may be set.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Account, error) {
	loginID := req.Login()
	if loginID == "" {
		return nil, fmt.Errorf("%w: loginid is required", ErrValidation)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: Password is required", ErrValidation)
	}
	if req.Age < 0 || req.Month < 0 {
		return nil, fmt.Errorf("%w: Age and Month must not be negative", ErrValidation)
	}

	a := &Account{
		LoginID:     loginID,
		NameCN:      strings.TrimSpace(req.NameCN),
		NameEN:      strings.TrimSpace(req.NameEN),
		Age:         req.Age,
		Month:       req.Month,
		Email:       strings.TrimSpace(req.Email),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Status:      auth.StatusActive,
		Role:        auth.RolePatient,
	}
	if req.Status != "" {
		if !validStatus(req.Status) {
			return nil, fmt.Errorf("%w: status must be active or inactive", ErrValidation)
		}
		a.Status = req.Status
	}
	if req.Role != "" {
		if !validRole(req.Role) {
			return nil, fmt.Errorf("%w: role must be patient or admin", ErrValidation)
		}
		a.Role = req.Role
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	a.PasswordHash = hash

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// EnsureAdmin creates the bootstrap administrator unless an account with
// loginID already exists.
func (s *Service) EnsureAdmin(ctx context.Context, loginID, password string) (bool, error) {
	loginID = strings.TrimSpace(loginID)
	if loginID == "" || password == "" {
		return false, fmt.Errorf("%w: admin loginid and password are required", ErrValidation)
	}
	if _, err := s.repo.GetByLoginID(ctx, loginID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	_, err := s.Create(ctx, &CreateRequest{
		LoginID:  loginID,
		Password: password,
		NameEN:   "Administrator",
		Status:   auth.StatusActive,
		Role:     auth.RoleAdmin,
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info().Str("loginid", loginID).Msg("bootstrap admin created")
	return true, nil
}

// Get resolves ref as a canonical id or a login id.
func (s *Service) Get(ctx context.Context, ref string) (*Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.repo.Resolve(ctx, ref)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Account, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Update applies req to the account named by ref. Only admins may change
// status or role.
func (s *Service) Update(ctx context.Context, ref string, req *UpdateRequest, actor *auth.Principal) (*Account, error) {
	a, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if req.privileged() && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins may change status or role", ErrForbidden)
	}

	if req.LoginID != nil {
		v := strings.TrimSpace(*req.LoginID)
		if v == "" {
			return nil, fmt.Errorf("%w: loginid cannot be empty", ErrValidation)
		}
		a.LoginID = v
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		a.PasswordHash = hash
	}
	if req.NameCN != nil {
		a.NameCN = strings.TrimSpace(*req.NameCN)
	}
	if req.NameEN != nil {
		a.NameEN = strings.TrimSpace(*req.NameEN)
	}
	if req.Age != nil {
		if *req.Age < 0 {
			return nil, fmt.Errorf("%w: Age must not be negative", ErrValidation)
		}
		a.Age = *req.Age
	}
	if req.Month != nil {
		if *req.Month < 0 {
			return nil, fmt.Errorf("%w: Month must not be negative", ErrValidation)
		}
		a.Month = *req.Month
	}
	if req.Email != nil {
		a.Email = strings.TrimSpace(*req.Email)
	}
	if req.PhoneNumber != nil {
		a.PhoneNumber = strings.TrimSpace(*req.PhoneNumber)
	}
	if req.Status != nil {
		if !validStatus(*req.Status) {
			return nil, fmt.Errorf("%w: status must be active or inactive", ErrValidation)
		}
		a.Status = *req.Status
	}
	if req.Role != nil {
		if !validRole(*req.Role) {
			return nil, fmt.Errorf("%w: role must be patient or admin", ErrValidation)
		}
		a.Role = *req.Role
	}

	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.invalidate(a.ID)
	return a, nil
}

// Delete removes the account named by ref together with its records, then
// makes a best-effort pass over the records' photo files.
func (s *Service) Delete(ctx context.Context, ref string) error {
	a, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}

	var paths []string
	if s.photos != nil {
		paths, err = s.photos.PhotoPathsByAccount(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("list record photos: %w", err)
		}
	}

	if err := s.repo.Delete(ctx, a.ID); err != nil {
		return err
	}
	s.invalidate(a.ID)

	if s.files != nil {
		for _, p := range paths {
			if err := s.files.Remove(p); err != nil {
				s.logger.Warn().Err(err).Str("path", p).Str("account_id", a.ID.String()).
					Msg("failed to remove photo of deleted account")
			}
		}
	}
	s.logger.Info().Str("account_id", a.ID.String()).Int("photos", len(paths)).Msg("account deleted")
	return nil
}

func (s *Service) invalidate(id uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(id.String())
	}
}
