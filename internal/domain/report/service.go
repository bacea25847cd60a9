package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/domain/record"
	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/internal/platform/blobstore"
)

var (
	ErrRecordNotFound      = errors.New("record not found")
	ErrNoFacePhoto         = errors.New("record has no FacePhoto")
	ErrPhotoMissing        = errors.New("photo file not found")
	ErrUnsupportedLanguage = errors.New("unsupported report language")
	ErrForbidden           = errors.New("access denied")
)

// DefaultLanguage is used when the request names none.
const DefaultLanguage = "en"

// Languages are the report languages the renderer supports.
var Languages = []string{"en", "zh", "zh_tw", "ja"}

// NormalizeLanguage maps "" to the default and rejects anything else that is
// not supported.
func NormalizeLanguage(lang string) (string, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage, nil
	}
	for _, l := range Languages {
		if l == lang {
			return lang, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
}

// RecordLookup fetches a record without applying access rules.
type RecordLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*record.Record, error)
}

// PhotoResolver maps a stored public photo path to a file on disk.
type PhotoResolver interface {
	Resolve(publicPath string) (string, error)
}

type Options struct {
	TempDir   string
	OutputDir string
	// KeepOutput leaves the generated PDF in OutputDir after it is served.
	KeepOutput    bool
	ArchivePrefix string
}

type Service struct {
	records  RecordLookup
	photos   PhotoResolver
	renderer Renderer
	archive  blobstore.BlobStore
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates the scratch and output directories.
func NewService(records RecordLookup, photos PhotoResolver, renderer Renderer, opts Options, logger zerolog.Logger) (*Service, error) {
	for _, dir := range []string{opts.TempDir, opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create report directory %s: %w", dir, err)
		}
	}
	return &Service{
		records:  records,
		photos:   photos,
		renderer: renderer,
		opts:     opts,
		logger:   logger.With().Str("component", "report").Logger(),
		now:      time.Now,
	}, nil
}

// SetArchive makes every generated PDF also land in store.
func (s *Service) SetArchive(store blobstore.BlobStore) { s.archive = store }

// Status reports whether a record exists for the patient and carries a face
// photo.
type Status struct {
	Exists       bool `json:"exists"`
	HasFacePhoto bool `json:"hasFacePhoto"`
}

// Report is a generated PDF ready to send.
type Report struct {
	FileName string
	Content  []byte
	Result   *RenderResult
}

func (s *Service) locate(ctx context.Context, patientID, recordID uuid.UUID, actor *auth.Principal) (*record.Record, error) {
	rec, err := s.records.Lookup(ctx, recordID)
	if errors.Is(err, record.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec.PatientID != patientID {
		return nil, ErrRecordNotFound
	}
	if !auth.CanAccess(actor, rec.PatientID.String(), rec.LoginID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

// Status never starts the renderer.
func (s *Service) Status(ctx context.Context, patientID, recordID uuid.UUID, actor *auth.Principal) (*Status, error) {
	rec, err := s.locate(ctx, patientID, recordID, actor)
	if errors.Is(err, ErrRecordNotFound) {
		return &Status{}, err
	}
	if err != nil {
		return nil, err
	}
	return &Status{Exists: true, HasFacePhoto: rec.Photos.FacePhoto != ""}, nil
}

// Generate renders the report for one record. The scratch copy of the photo
// is removed on every path.
func (s *Service) Generate(ctx context.Context, patientID, recordID uuid.UUID, language string, actor *auth.Principal) (*Report, error) {
	lang, err := NormalizeLanguage(language)
	if err != nil {
		return nil, err
	}
	rec, err := s.locate(ctx, patientID, recordID, actor)
	if err != nil {
		return nil, err
	}
	if rec.Photos.FacePhoto == "" {
		return nil, ErrNoFacePhoto
	}
	src, err := s.photos.Resolve(rec.Photos.FacePhoto)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPhotoMissing, err)
	}
	if info, err := os.Stat(src); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrPhotoMissing, rec.Photos.FacePhoto)
	}

	stamp := s.now()
	scratch := filepath.Join(s.opts.TempDir,
		fmt.Sprintf("face_%s_%d%s", recordID, stamp.UnixNano(), strings.ToLower(filepath.Ext(src))))
	if err := copyFile(src, scratch); err != nil {
		return nil, fmt.Errorf("copy photo: %w", err)
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", scratch).Msg("failed to remove scratch photo")
		}
	}()

	name := fmt.Sprintf("report_%s_%s_%d.pdf", patientID, recordID, stamp.UnixMilli())
	pdfPath := filepath.Join(s.opts.OutputDir, name)

	log := s.logger.With().Str("record_id", recordID.String()).Str("language", lang).Logger()
	log.Info().Str("pdf", pdfPath).Msg("rendering report")

	start := time.Now()
	res, err := s.renderer.Render(ctx, scratch, pdfPath, lang)
	renderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var re *RenderError
		if errors.As(err, &re) && re.TimedOut {
			generations.WithLabelValues(outcomeTimeout).Inc()
		} else {
			generations.WithLabelValues(outcomeFailed).Inc()
		}
		log.Error().Err(err).Msg("report rendering failed")
		return nil, err
	}

	content, err := os.ReadFile(pdfPath)
	if err != nil {
		generations.WithLabelValues(outcomeFailed).Inc()
		log.Error().Err(err).Msg("renderer finished without a PDF")
		return nil, &RenderError{Reason: "PDF file not created", Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	if !s.opts.KeepOutput {
		if err := os.Remove(pdfPath); err != nil {
			log.Warn().Err(err).Msg("failed to remove generated PDF")
		}
	}
	generations.WithLabelValues(outcomeSuccess).Inc()

	if s.archive != nil {
		s.archiveReport(ctx, name, rec, content)
	}

	log.Info().Int("bytes", len(content)).Dur("elapsed", time.Since(start)).Msg("report generated")
	return &Report{FileName: name, Content: content, Result: res}, nil
}

func (s *Service) archiveReport(ctx context.Context, name string, rec *record.Record, content []byte) {
	meta := blobstore.BlobMetadata{
		Key:         s.opts.ArchivePrefix + name,
		ContentType: "application/pdf",
		Tags: map[string]string{
			"patientid": rec.PatientID.String(),
			"recordid":  rec.ID.String(),
			"loginid":   rec.LoginID,
		},
	}
	if _, err := s.archive.Put(ctx, meta, bytes.NewReader(content)); err != nil {
		archiveFailures.Inc()
		s.logger.Warn().Err(err).Str("key", meta.Key).Msg("failed to archive report")
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
