// Package ingestion consumes the ingestion job queue: read, chunk,
// embed and persist uploaded documents.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/famatulli1/ragfab2-sub003/pkg/httpclient"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
)

// ReadImage is one image extracted by the reader.
type ReadImage struct {
	PageNumber  int            `json:"page_number"`
	Position    map[string]any `json:"position"`
	OCRText     string         `json:"ocr_text"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	StoragePath string         `json:"storage_path"`
}

// ReadResult is the reader's normalised view of one document.
type ReadResult struct {
	Title    string        `json:"title"`
	Text     string        `json:"text"`
	Headings []rag.Heading `json:"headings"`
	Images   []ReadImage   `json:"images"`
}

// Reader converts uploaded files to normalised text. The OCR/VLM
// machinery behind it is a black box.
type Reader interface {
	Read(ctx context.Context, path string) (*ReadResult, error)
}

// HTTPReader calls the external document reader service.
type HTTPReader struct {
	baseURL string
	http    *httpclient.Client
}

// NewHTTPReader builds a reader client. Reading a large PDF through
// OCR is slow, hence the generous timeout.
func NewHTTPReader(baseURL string, timeout time.Duration) *HTTPReader {
	return &HTTPReader{
		baseURL: baseURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(1),
		),
	}
}

// Read uploads the file to the reader and returns its extraction.
func (r *HTTPReader) Read(ctx context.Context, path string) (*ReadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/process", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("reader request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reader response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reader returned status %d: %s", resp.StatusCode, string(body))
	}

	var result ReadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode reader response: %w", err)
	}
	return &result, nil
}
