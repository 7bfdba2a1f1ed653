// Package media persists inline webhook media so messages can reference it
// by URL.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/middleware"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultDir     = "./media"
	DefaultBaseURL = "/media"
	// DefaultMaxSize caps a single inline payload.
	DefaultMaxSize = 64 * 1024 * 1024
)

// ErrTooLarge is returned for payloads above the configured size cap.
var ErrTooLarge = errors.New("media payload too large")

// LocalStore writes media to a directory served under BaseURL. Files are
// content addressed, so a repeated payload maps to the same URL.
type LocalStore struct {
	dir     string
	baseURL string
	maxSize int
}

// NewLocalStore builds a store from cfg; a nil cfg uses the defaults.
func NewLocalStore(cfg *config.Config) *LocalStore {
	s := &LocalStore{dir: DefaultDir, baseURL: DefaultBaseURL, maxSize: DefaultMaxSize}
	if cfg != nil {
		if cfg.MediaDir != "" {
			s.dir = cfg.MediaDir
		}
		if cfg.MediaBaseURL != "" {
			s.baseURL = strings.TrimSuffix(cfg.MediaBaseURL, "/")
		}
	}
	return s
}

// Dir is the directory files are written to.
func (s *LocalStore) Dir() string { return s.dir }

// Save stores data and returns its URL. The detected content type wins over
// the declared one when choosing the file extension.
func (s *LocalStore) Save(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty media payload")
	}
	if len(data) > s.maxSize {
		return "", fmt.Errorf("%w: %s", ErrTooLarge, humanize.Bytes(uint64(len(data))))
	}

	detected := mimetype.Detect(data)
	ext := detected.Extension()
	if ext == "" || detected.Is("application/octet-stream") {
		ext = extensionFor(mimeType, fileName)
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:16]) + ext

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write media: %w", err)
		}
		middleware.Logger.DebugContext(ctx, "stored inline media",
			slog.String("file", name),
			slog.String("mime", detected.String()),
			slog.String("size", humanize.Bytes(uint64(len(data)))),
		)
	}
	return s.baseURL + "/" + name, nil
}

func extensionFor(mimeType, fileName string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return strings.ToLower(ext)
	}
	if mimeType != "" {
		if m := mimetype.Lookup(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])); m != nil {
			return m.Extension()
		}
	}
	return ".bin"
}
