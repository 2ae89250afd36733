package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"farmestly-reports/internal/config"
)

// DownloadPath is the public route prefix signed URLs point at.
const DownloadPath = "/report/download/"

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidKey is returned when a key sanitises to nothing usable.
	ErrInvalidKey = errors.New("invalid artifact key")

	unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// Backend persists artifact bytes.
type Backend interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// Serve writes the artifact to w without buffering it whole in memory.
	Serve(w http.ResponseWriter, r *http.Request, key string) error
}

// Storage combines a backend with signed, time-limited download URLs.
type Storage struct {
	backend Backend
	signer  *Signer
	baseURL string
	ttl     time.Duration
}

// New builds a Storage. baseURL is the public origin, e.g. https://api.farmestly.com.
func New(backend Backend, signer *Signer, baseURL string, ttl time.Duration) *Storage {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Storage{
		backend: backend,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
	}
}

// SanitizeKey restricts a key to [A-Za-z0-9._-] and rejects dot-only names.
// The mapping is lossy: "a/b" and "a_b" name the same object, so callers must make
// keys unique before sanitising, as report keys are through their job id.
func SanitizeKey(key string) (string, error) {
	clean := unsafeKeyChars.ReplaceAllString(key, "_")
	clean = strings.TrimLeft(clean, ".")
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// TTL is the lifetime of signed URLs and the logical lifetime of artifacts.
func (s *Storage) TTL() time.Duration { return s.ttl }

// Save stores body under the sanitised key and returns that key.
func (s *Storage) Save(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	if err := s.backend.Put(ctx, clean, body, contentType); err != nil {
		return "", fmt.Errorf("save %s: %w", clean, err)
	}
	return clean, nil
}

// SignedURL mints a fresh URL for key valid for the storage TTL.
func (s *Storage) SignedURL(key string) (string, time.Time, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", time.Time{}, err
	}
	path := DownloadPath + clean
	q, expires := s.signer.Sign(path, s.ttl)
	return s.baseURL + path + "?" + q.Encode(), expires, nil
}

// VerifyRequest checks the signature of an incoming download request against its exact path.
// It never errors: any malformed, tampered or expired request is simply false.
func (s *Storage) VerifyRequest(r *http.Request) bool {
	if r == nil || r.URL == nil || !strings.HasPrefix(r.URL.Path, DownloadPath) {
		return false
	}
	return s.signer.Verify(r.URL.Path, r.URL.Query())
}

// KeyFromRequest extracts the artifact key of a download request.
func KeyFromRequest(r *http.Request) (string, error) {
	return SanitizeKey(strings.TrimPrefix(r.URL.Path, DownloadPath))
}

// Exists reports whether key is stored.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, clean)
}

// Delete removes key; false means it was already gone.
func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return false, err
	}
	return s.backend.Delete(ctx, clean)
}

// SendFile hands the artifact to the response.
func (s *Storage) SendFile(w http.ResponseWriter, r *http.Request, key string) error {
	clean, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	return s.backend.Serve(w, r, clean)
}

func contentDisposition(key string) string {
	return fmt.Sprintf(`attachment; filename="%s"`, key)
}

// Open builds the configured backend and wraps it with a signer.
func Open(ctx context.Context, cfg config.Config) (*Storage, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case "s3":
		backend, err = NewS3Backend(ctx, cfg.Storage)
	default:
		backend, err = NewLocalBackend(cfg.Storage.Dir, cfg.Storage.AccelPrefix)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, NewSigner(cfg.SigningSecret(), nil), cfg.PublicBaseURL, cfg.Storage.URLTTL), nil
}
