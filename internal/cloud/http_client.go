package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// UploadError is a non-2xx response from the cloud API.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("cloud request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx)
// are considered permanent.
func (e *UploadError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient is the real cloud client. Finished exports are uploaded in
// two steps: register the export with the SaaS to obtain a presigned
// URL, then PUT the file bytes to that URL.
type HTTPClient struct {
	baseURL    string
	token      string
	orgSlug    string
	deviceID   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token, orgSlug string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		orgSlug: orgSlug,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

func (c *HTTPClient) SetDeviceID(id string) {
	c.deviceID = id
}

func (c *HTTPClient) RegisterDevice(ctx context.Context, deviceID, hostname string) error {
	body, err := json.Marshal(map[string]string{
		"device_id": deviceID,
		"hostname":  hostname,
	})
	if err != nil {
		return fmt.Errorf("marshal device payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/devices", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.logger.Info("device registered with cloud", "device_id", deviceID)
	return nil
}

func (c *HTTPClient) UploadExport(ctx context.Context, upload ExportUpload) error {
	uploadURL, err := c.registerExport(ctx, upload)
	if err != nil {
		return err
	}
	return c.putFile(ctx, uploadURL, upload)
}

// registerExport announces the export to the SaaS and returns the
// presigned URL to upload the file bytes to.
func (c *HTTPClient) registerExport(ctx context.Context, upload ExportUpload) (string, error) {
	body, err := json.Marshal(upload)
	if err != nil {
		return "", fmt.Errorf("marshal export payload: %w", err)
	}

	c.logger.Info("registering export with cloud",
		"export_id", upload.ExportID,
		"size_bytes", upload.SizeBytes,
	)

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/exports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal export response: %w", err)
	}
	if result.UploadURL == "" {
		return "", fmt.Errorf("cloud response missing upload_url")
	}
	return result.UploadURL, nil
}

func (c *HTTPClient) putFile(ctx context.Context, url string, upload ExportUpload) error {
	f, err := os.Open(upload.FilePath)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = upload.SizeBytes
	req.Header.Set("Content-Type", "video/"+upload.Container)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.logger.Info("export uploaded to cloud", "export_id", upload.ExportID)
	return nil
}

// do sends an authenticated JSON request to the SaaS API. The org slug
// is carried as a Host header subdomain for tenancy resolution.
func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Clipmill-Request-Id", uuid.NewString())
	if c.deviceID != "" {
		req.Header.Set("X-Clipmill-Device-Id", c.deviceID)
	}
	if c.orgSlug != "" {
		req.Host = c.orgSlug + ".app.clipmill.io"
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	return resp, nil
}
