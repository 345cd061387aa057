package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomasmach/cai/llm"
)

const maxAttachmentBytes = 20 * 1024 * 1024

// Scratch owns the single on-disk slot that holds the current message's
// image attachment. Only the dispatch worker touches it.
type Scratch struct {
	path       string
	httpClient *http.Client
}

func NewScratch(path string) *Scratch {
	return &Scratch{path: path, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Reset removes the previous attachment, if any.
func (s *Scratch) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove scratch file: %w", err)
	}
	return nil
}

// Fetch downloads url into the scratch file and returns its bytes as an
// inline image. contentType may be empty, in which case the response header
// is used, defaulting to image/png.
func (s *Scratch) Fetch(ctx context.Context, url, contentType string) (*llm.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch attachment: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	stored, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read scratch file: %w", err)
	}

	if contentType == "" {
		contentType, _, _ = strings.Cut(resp.Header.Get("Content-Type"), ";")
		contentType = strings.TrimSpace(contentType)
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}
	return &llm.Image{Data: stored, MIMEType: contentType}, nil
}
