// ABOUTME: Disk-backed store for files operators attach to chat messages
// ABOUTME: Save returns a stable URL under the configured base; Resolve loads it back for sending

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
)

var (
	ErrNotFound = errors.New("media not found")
	ErrTooLarge = errors.New("media exceeds upload limit")
	ErrEmpty    = errors.New("media file is empty")
)

// idLength is the length of the uuid prefix plus its separator.
const idLength = 37

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Store keeps uploads as flat files named "<uuid>-<original name>".
type Store struct {
	dir      string
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// New prepares dir and checks that it is writable.
func New(dir, baseURL string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("media directory not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Store{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
	}, nil
}

// MaxBytes is the upload size limit.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save writes the upload and returns the URL that references it.
func (s *Store) Save(ctx context.Context, fileName string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := uuid.NewString() + "-" + sanitize(fileName)

	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if n == 0 {
		return "", ErrEmpty
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("storing upload: %w", err)
	}

	s.logger.Info("media stored", "name", name, "bytes", n)
	return s.URL(name), nil
}

// URL returns the public reference for a stored name.
func (s *Store) URL(name string) string {
	if s.baseURL == "" {
		return name
	}
	return s.baseURL + "/" + name
}

// Resolve loads the file behind a reference produced by Save. Both the full
// URL and the bare stored name are accepted.
func (s *Store) Resolve(ctx context.Context, ref string) (*channel.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, ok := s.nameOf(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading media: %w", err)
	}
	return &channel.Attachment{
		Data:        data,
		ContentType: contentType(name, data),
		FileName:    originalName(name),
	}, nil
}

// Handler serves stored files. Mount it with the base path stripped.
func (s *Store) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.nameOf(r.URL.Path); !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
		files.ServeHTTP(w, r)
	})
}

func (s *Store) nameOf(ref string) (string, bool) {
	name := ref
	if s.baseURL != "" {
		name = strings.TrimPrefix(name, s.baseURL)
	}
	name = strings.TrimPrefix(name, "/")
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	if len(name) <= idLength {
		return "", false
	}
	if _, err := uuid.Parse(name[:idLength-1]); err != nil {
		return "", false
	}
	return name, true
}

func sanitize(fileName string) string {
	base := filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		return "file"
	}
	if len(base) > 100 {
		ext := filepath.Ext(base)
		if len(ext) > 10 {
			ext = ""
		}
		base = base[:100-len(ext)] + ext
	}
	return base
}

func originalName(name string) string {
	return name[idLength:]
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
