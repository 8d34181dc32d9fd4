package downloads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultRetryAttempts is the number of times to retry a failed download.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the delay between retry attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultBufferSize is the buffer size for file downloads.
	DefaultBufferSize = 32 * 1024 // 32KB
)

// RequestDecorator mutates an outgoing request before it is sent, typically
// to attach source credentials (Civitai API key, Hugging Face token).
type RequestDecorator func(*http.Request)

// BearerToken returns a decorator that sets an Authorization header.
func BearerToken(token string) RequestDecorator {
	return func(req *http.Request) {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// FetchHTTP downloads a file from a URL to a local path with progress
// tracking. Interrupted downloads resume using HTTP Range headers.
func FetchHTTP(ctx context.Context, destPath string, url string, decorate RequestDecorator, progressCb ByteProgressCallback) error {
	// Check if a partial file exists for resume
	var existingSize int64
	if stat, err := os.Stat(destPath); err == nil {
		existingSize = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}
	if decorate != nil {
		decorate(req)
	}

	client := &http.Client{
		Timeout: 0, // No timeout for large model files
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fresh download, reset existing size
		existingSize = 0
	case http.StatusPartialContent:
		// Resume supported, keep existing size
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && existingSize > 0 {
		totalSize += existingSize
	}

	// Open output file (append if resuming, create new otherwise)
	var out *os.File
	if existingSize > 0 && resp.StatusCode == http.StatusPartialContent {
		out, err = os.OpenFile(destPath, os.O_APPEND|os.O_WRONLY, 0644)
	} else {
		out, err = os.Create(destPath)
		existingSize = 0
	}
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	downloaded := existingSize
	buffer := make([]byte, DefaultBufferSize)
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to file: %w", writeErr)
			}
			downloaded += int64(n)

			// Report progress periodically
			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, totalSize)
				lastReport = time.Now()
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
	}

	if progressCb != nil {
		progressCb(downloaded, totalSize)
	}

	return nil
}

// FetchHTTPWithRetry downloads a file with automatic retry on failure.
func FetchHTTPWithRetry(ctx context.Context, destPath string, url string, decorate RequestDecorator, progressCb ByteProgressCallback) error {
	var lastErr error

	for attempt := 1; attempt <= DefaultRetryAttempts; attempt++ {
		err := FetchHTTP(ctx, destPath, url, decorate, progressCb)
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return err
		}

		if attempt < DefaultRetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DefaultRetryDelay):
			}
		}
	}

	return fmt.Errorf("download failed after %d attempts: %w", DefaultRetryAttempts, lastErr)
}

// VerifySHA256 checks a file's digest against the expected hex string.
// Comparison is case-insensitive; an empty expectation passes.
func VerifySHA256(path, expected string) error {
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("sha256 mismatch: got %s, want %s", got, strings.ToLower(expected))
	}
	return nil
}

// HashFile returns the hex sha256 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
