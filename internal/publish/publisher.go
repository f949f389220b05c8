// Package publish delivers generated payloads (run reports, previews) either
// by POSTing them to an https endpoint or by saving them under a local root.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidPath = errors.New("invalid destination path")

type Publisher struct {
	destRoot   string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(destRoot string, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{
		destRoot: destRoot,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("publish"),
	}
}

// Publish POSTs content to dest when dest is an https URL. Otherwise content
// is written to filePath relative to the destination root. The returned
// message says where the payload went.
func (p *Publisher) Publish(ctx context.Context, dest, filePath string, content []byte, contentType string) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("%w: destination is empty", ErrInvalidPath)
	}

	if strings.HasPrefix(dest, "https://") {
		if err := p.post(ctx, dest, content, contentType); err != nil {
			return "", err
		}
		p.logger.Info("File sent", zap.String("dest", dest), zap.Int("size", len(content)))
		return "File sent: " + dest, nil
	}

	path, err := p.localPath(filePath)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	p.logger.Info("File saved", zap.String("path", path), zap.Int("size", len(content)))
	return "File saved: " + path, nil
}

func (p *Publisher) post(ctx context.Context, dest string, content []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post to %s returned status %d: %s", dest, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// localPath keeps filePath inside the destination root.
func (p *Publisher) localPath(filePath string) (string, error) {
	if strings.TrimSpace(filePath) == "" {
		return "", fmt.Errorf("%w: file path is empty", ErrInvalidPath)
	}

	full := filepath.Join(p.destRoot, filepath.Clean("/"+filePath))
	rel, err := filepath.Rel(p.destRoot, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, filePath)
	}
	return full, nil
}

func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write atomically
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
