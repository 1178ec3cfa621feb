// Package files publishes certificates to a directory served at a public
// base URL.
package files

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Publisher writes objects under Dir and returns their URL under BaseURL.
type Publisher struct {
	dir     string
	baseURL string
}

func NewPublisher(dir, baseURL string) *Publisher {
	return &Publisher{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload stores data at the relative object path and returns its public
// URL. Existing objects are replaced atomically.
func (p *Publisher) Upload(ctx context.Context, data []byte, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := path.Clean("/" + strings.ReplaceAll(objectPath, "\\", "/"))
	if clean == "/" {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	rel := strings.TrimPrefix(clean, "/")

	dest := filepath.Join(p.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", rel, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("publishing %s: %w", rel, err)
	}

	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return p.baseURL + "/" + strings.Join(segments, "/"), nil
}

// ObjectPath is the storage path of a ticket's certificate.
func ObjectPath(ticketNumber, ticketID string) string {
	return fmt.Sprintf("%s-%s.pdf", sanitize(ticketNumber), sanitize(ticketID))
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
