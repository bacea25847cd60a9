// Package filestore keeps uploaded visit photos on local disk under a single
// root and hands out the public paths the web client loads them from.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidType = errors.New("only image files are allowed")
	ErrTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrInvalidPath = errors.New("path escapes the upload root")
)

// PublicPrefix is the URL prefix the upload root is served under.
const PublicPrefix = "/public/"

// Slots are the photo fields a record accepts, in display order.
var Slots = []string{
	"FacePhoto",
	"TouguePhoto",
	"TeethEPhoto",
	"TeethInPhoto1",
	"TeethInPhoto2",
	"TeethInPhoto3",
	"TeethInPhoto4",
}

var allowedExt = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
	".webp": true,
}

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// IsSlot reports whether name is one of the fixed photo slots.
func IsSlot(name string) bool {
	for _, s := range Slots {
		if s == name {
			return true
		}
	}
	return false
}

// Store writes files beneath root.
type Store struct {
	root    string
	maxSize int64
	now     func() time.Time
}

// New creates the root directory if needed.
func New(root string, maxFileSize int64) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Store{root: abs, maxSize: maxFileSize, now: time.Now}, nil
}

// Root returns the absolute upload directory.
func (s *Store) Root() string { return s.root }

// MaxFileSize returns the per-file ceiling in bytes.
func (s *Store) MaxFileSize() int64 { return s.maxSize }

// Validate checks the file extension, the declared and sniffed MIME types and
// the size of an uploaded part without writing anything.
func (s *Store) Validate(fh *multipart.FileHeader) error {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedExt[ext] {
		return fmt.Errorf("%w: %s", ErrInvalidType, fh.Filename)
	}
	if fh.Size > s.maxSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, fh.Filename, fh.Size, s.maxSize)
	}

	// A generic declared type says nothing; the content decides alone.
	if declared := declaredType(fh); declared != "" && declared != "application/octet-stream" && !allowedMIME[declared] {
		return fmt.Errorf("%w: %s declared as %s", ErrInvalidType, fh.Filename, declared)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	if sniffed := sniff(buf[:n]); !allowedMIME[sniffed] {
		return fmt.Errorf("%w: %s detected as %s", ErrInvalidType, fh.Filename, sniffed)
	}
	return nil
}

func declaredType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}

// sniff is http.DetectContentType plus TIFF, which it does not know.
func sniff(head []byte) string {
	if bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*")) {
		return "image/tiff"
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return mediaType
}

// Begin starts a staging set for one request.
func (s *Store) Begin() *Staging {
	return &Staging{store: s}
}

// Staging tracks the files written for a single request so that they can be
// removed together if the request fails.
type Staging struct {
	store *Store
	mu    sync.Mutex
	files []string
}

// Stage validates and writes one file for accountID's slot, returning its
// public path.
func (st *Staging) Stage(accountID, slot string, fh *multipart.FileHeader) (string, error) {
	s := st.store
	if !IsSlot(slot) {
		return "", fmt.Errorf("unknown photo slot %q", slot)
	}
	if !safeSegment(accountID) {
		return "", fmt.Errorf("%w: account %q", ErrInvalidPath, accountID)
	}
	if err := s.Validate(fh); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, accountID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create account directory: %w", err)
	}

	name := fmt.Sprintf("%s_%d-%d%s", slot, s.now().UnixMilli(), rand.Int64N(1e9), strings.ToLower(filepath.Ext(fh.Filename)))
	full := filepath.Join(dir, name)

	if err := s.write(full, fh); err != nil {
		return "", err
	}

	st.mu.Lock()
	st.files = append(st.files, full)
	st.mu.Unlock()

	return PublicPrefix + accountID + "/" + name, nil
}

// StageForm stages the first file of every known slot present in form and
// ignores other parts. It returns slot -> public path.
func (st *Staging) StageForm(accountID string, form *multipart.Form) (map[string]string, error) {
	staged := make(map[string]string)
	if form == nil {
		return staged, nil
	}
	for _, slot := range Slots {
		files := form.File[slot]
		if len(files) == 0 {
			continue
		}
		path, err := st.Stage(accountID, slot, files[0])
		if err != nil {
			return staged, fmt.Errorf("%s: %w", slot, err)
		}
		staged[slot] = path
	}
	return staged, nil
}

// Rollback deletes every staged file. Calling it again is a no-op.
func (st *Staging) Rollback() error {
	st.mu.Lock()
	files := st.files
	st.files = nil
	st.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Commit keeps the staged files; a later Rollback does nothing.
func (st *Staging) Commit() {
	st.mu.Lock()
	st.files = nil
	st.mu.Unlock()
}

// Staged returns the number of files currently held.
func (st *Staging) Staged() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.files)
}

func (s *Store) write(full string, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	n, err := io.Copy(dst, io.LimitReader(src, s.maxSize+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(full)
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Resolve maps a public path to its location on disk.
func (s *Store) Resolve(publicPath string) (string, error) {
	if !strings.HasPrefix(publicPath, PublicPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, publicPath)
	}
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(publicPath, PublicPrefix)))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, publicPath)
	}
	full := filepath.Join(s.root, rel)
	if r, err := filepath.Rel(s.root, full); err != nil || strings.HasPrefix(r, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, publicPath)
	}
	return full, nil
}

// Remove deletes the file behind publicPath. A file that is already gone
// is not an error.
func (s *Store) Remove(publicPath string) error {
	full, err := s.Resolve(publicPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", publicPath, err)
	}
	return nil
}

// Exists reports whether publicPath names a regular file.
func (s *Store) Exists(publicPath string) bool {
	full, err := s.Resolve(publicPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

func safeSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, `/\`)
}
