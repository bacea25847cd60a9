package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/domain/account"
	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/internal/platform/filestore"
)

// AccountLookup resolves an account by canonical id or login id.
type AccountLookup interface {
	Get(ctx context.Context, ref string) (*account.Account, error)
}

type Service struct {
	repo     Repository
	accounts AccountLookup
	files    *filestore.Store
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, accounts AccountLookup, files *filestore.Store, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		accounts: accounts,
		files:    files,
		logger:   logger.With().Str("component", "record").Logger(),
		now:      time.Now,
	}
}

// Create stores the submitted photos and then the record. Any failure after
// the first file is written removes every file written for this call.
func (s *Service) Create(ctx context.Context, in *CreateInput, form *multipart.Form, actor *auth.Principal) (rec *Record, err error) {
	loginID := strings.TrimSpace(in.LoginID)
	if loginID == "" {
		return nil, fmt.Errorf("%w: loginid is required", ErrValidation)
	}

	owner, err := s.accounts.Get(ctx, loginID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if actor != nil && !auth.CanAccess(actor, owner.ID.String(), owner.LoginID) {
		return nil, ErrForbidden
	}

	staging := s.files.Begin()
	defer func() {
		if err == nil {
			staging.Commit()
			return
		}
		if rbErr := staging.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("loginid", owner.LoginID).Msg("failed to roll back staged photos")
		}
	}()

	paths, err := staging.StageForm(owner.ID.String(), form)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoPhotos
	}

	rec = &Record{
		PatientID:      owner.ID,
		LoginID:        owner.LoginID,
		UploadDateTime: s.now().UTC(),
	}
	for slot, p := range paths {
		if err := rec.Photos.Set(slot, p); err != nil {
			return nil, err
		}
	}
	if err := s.applyInput(rec, in); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}
	rec.Patient = owner.Summary()
	s.logger.Info().Str("record_id", rec.ID.String()).Str("loginid", rec.LoginID).
		Int("photos", len(paths)).Msg("record created")
	return rec, nil
}

func (s *Service) applyInput(rec *Record, in *CreateInput) error {
	var err error
	if rec.HRV, err = parseBlock[HRV]("HRV", in.HRV); err != nil {
		return err
	}
	if rec.HRV2, err = parseBlock[HRV]("HRV2", in.HRV2); err != nil {
		return err
	}
	if rec.GSR, err = parseBlock[GSR]("GSR", in.GSR); err != nil {
		return err
	}
	if rec.GSR2, err = parseBlock[GSR]("GSR2", in.GSR2); err != nil {
		return err
	}
	if rec.Pulse, err = parseBlock[Pulse]("Pulse", in.Pulse); err != nil {
		return err
	}
	if v := strings.TrimSpace(in.Recommend); v != "" {
		rec.Recommend = &in.Recommend
	}
	rec.CheckList = parseCheckList(in.CheckList)
	if v := strings.TrimSpace(in.UploadDateTime); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return fmt.Errorf("%w: UploadDateTime: %v", ErrValidation, err)
		}
		rec.UploadDateTime = t
	}
	return nil
}

func parseBlock[T any](field, value string) (*Measurement[T], error) {
	m, err := ParseMeasurement[T](value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidation, field, err)
	}
	return m, nil
}

// parseCheckList keeps valid JSON as is and wraps anything else as a JSON
// string.
func parseCheckList(value string) json.RawMessage {
	b := bytes.TrimSpace([]byte(value))
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(value)
	return quoted
}

// ParseTime accepts RFC 3339 timestamps and bare dates.
func ParseTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}

// Get returns the record when actor may see it.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor *auth.Principal) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canSee(actor, rec) {
		return nil, ErrForbidden
	}
	return rec, nil
}

// Lookup fetches a record without an access check.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns records newest first. Non-admins must filter on their own
// login id.
func (s *Service) List(ctx context.Context, f Filter, actor *auth.Principal, limit, offset int) ([]*Record, int, error) {
	if err := authorizeFilter(&f, actor); err != nil {
		return nil, 0, err
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return nil, 0, fmt.Errorf("%w: endDate is before startDate", ErrValidation)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ListForPatient lists the records of the account named by ref, which may
// be its canonical id or its login id.
func (s *Service) ListForPatient(ctx context.Context, ref string, actor *auth.Principal, limit, offset int) ([]*Record, int, error) {
	return s.listForPatient(ctx, ref, actor, Filter{}, limit, offset)
}

// listForPatient pins f to the resolved owner.
func (s *Service) listForPatient(ctx context.Context, ref string, actor *auth.Principal, f Filter, limit, offset int) ([]*Record, int, error) {
	owner, err := s.accounts.Get(ctx, ref)
	if errors.Is(err, account.ErrNotFound) {
		return nil, 0, ErrPatientNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load patient: %w", err)
	}
	if !auth.CanAccess(actor, owner.ID.String(), owner.LoginID) {
		return nil, 0, ErrForbidden
	}
	f.PatientID = &owner.ID
	return s.repo.List(ctx, f, limit, offset)
}

func authorizeFilter(f *Filter, actor *auth.Principal) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor == nil || f.LoginID == "" || !actor.Owns(f.LoginID) {
		return ErrForbidden
	}
	// The caller may name themselves by id; records are keyed by login id.
	f.LoginID = actor.LoginID
	return nil
}

// Replace overwrites every mutable field. The record must keep at least one
// photo.
func (s *Service) Replace(ctx context.Context, id uuid.UUID, req *ReplaceRequest, actor *auth.Principal) (*Record, error) {
	rec, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !req.Photos.HasAny() {
		return nil, ErrNoPhotos
	}
	if err := s.checkPhotoPaths(rec, req.Photos); err != nil {
		return nil, err
	}

	rec.Photos = req.Photos
	rec.HRV, rec.HRV2 = req.HRV, req.HRV2
	rec.GSR, rec.GSR2 = req.GSR, req.GSR2
	rec.Pulse = req.Pulse
	rec.Recommend = req.Recommend
	rec.CheckList = normalizeJSON(req.CheckList)
	if req.UploadDateTime != nil {
		rec.UploadDateTime = req.UploadDateTime.UTC()
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Patch applies only the keys present in fields. The photo requirement is
// not re-checked here.
func (s *Service) Patch(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage, actor *auth.Principal) (*Record, error) {
	rec, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	for key, raw := range fields {
		if err := s.patchField(rec, key, raw); err != nil {
			return nil, err
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) patchField(rec *Record, key string, raw json.RawMessage) error {
	bad := func(err error) error {
		return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
	}
	isNull := bytes.Equal(bytes.TrimSpace(raw), []byte("null"))

	switch key {
	case "Photos":
		var slots map[string]*string
		if err := json.Unmarshal(raw, &slots); err != nil {
			return bad(err)
		}
		next := rec.Photos
		for slot, v := range slots {
			path := ""
			if v != nil {
				path = *v
			}
			if err := next.Set(slot, path); err != nil {
				return bad(err)
			}
		}
		if err := s.checkPhotoPaths(rec, next); err != nil {
			return err
		}
		rec.Photos = next
	case "HRV", "HRV2":
		var m *Measurement[HRV]
		if !isNull {
			m = &Measurement[HRV]{}
			if err := json.Unmarshal(raw, m); err != nil {
				return bad(err)
			}
		}
		if key == "HRV" {
			rec.HRV = m
		} else {
			rec.HRV2 = m
		}
	case "GSR", "GSR2":
		var m *Measurement[GSR]
		if !isNull {
			m = &Measurement[GSR]{}
			if err := json.Unmarshal(raw, m); err != nil {
				return bad(err)
			}
		}
		if key == "GSR" {
			rec.GSR = m
		} else {
			rec.GSR2 = m
		}
	case "Pulse":
		var m *Measurement[Pulse]
		if !isNull {
			m = &Measurement[Pulse]{}
			if err := json.Unmarshal(raw, m); err != nil {
				return bad(err)
			}
		}
		rec.Pulse = m
	case "Recommend":
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return bad(err)
		}
		rec.Recommend = v
	case "CheckList":
		rec.CheckList = normalizeJSON(raw)
	case "UploadDateTime":
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return bad(err)
		}
		rec.UploadDateTime = t.UTC()
	case "id", "patientId", "loginid", "createdAt", "updatedAt", "patient":
		return fmt.Errorf("%w: %s is read-only", ErrValidation, key)
	default:
		return fmt.Errorf("%w: unknown field %s", ErrValidation, key)
	}
	return nil
}

// checkPhotoPaths refuses new paths that are not uploads of the record's
// owner. Paths the record already holds are accepted as they are.
func (s *Service) checkPhotoPaths(rec *Record, photos Photos) error {
	current := make(map[string]bool)
	for _, p := range rec.Photos.Paths() {
		current[p] = true
	}
	prefix := filestore.PublicPrefix + rec.PatientID.String() + "/"
	for _, p := range photos.Paths() {
		if current[p] {
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			return fmt.Errorf("%w: photo %s does not belong to this patient", ErrValidation, p)
		}
		if _, err := s.files.Resolve(p); err != nil {
			return fmt.Errorf("%w: photo %s: %v", ErrValidation, p, err)
		}
	}
	return nil
}

func normalizeJSON(raw json.RawMessage) json.RawMessage {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	return json.RawMessage(b)
}

// Delete removes the record and then, best effort, its photo files.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor *auth.Principal) error {
	rec, err := s.Get(ctx, id, actor)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	for _, p := range rec.Photos.Paths() {
		if err := s.files.Remove(p); err != nil {
			s.logger.Warn().Err(err).Str("record_id", id.String()).Str("path", p).
				Msg("failed to remove record photo")
		}
	}
	s.logger.Info().Str("record_id", id.String()).Msg("record deleted")
	return nil
}

func canSee(actor *auth.Principal, rec *Record) bool {
	return auth.CanAccess(actor, rec.PatientID.String(), rec.LoginID)
}
