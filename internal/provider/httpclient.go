// ABOUTME: JSON-over-HTTP client used by the vendor REST adapters
// ABOUTME: Maps non-2xx responses to VendorAPIError with the body kept verbatim

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/2389/wa-gateway/internal/store"
)

// maxResponseBytes bounds JSON responses read from a vendor.
const maxResponseBytes = 4 << 20

// maxMediaBytes bounds downloaded media (vendor limit for documents is 100MB).
const maxMediaBytes = 100 << 20

// HTTPClient performs vendor calls. There is no retry or backoff: a vendor
// failure is returned to the caller as-is.
type HTTPClient struct {
	Provider store.ProviderType
	HTTP     *http.Client
}

// NewHTTPClient returns a client with a default timeout when httpClient is nil.
func NewHTTPClient(p store.ProviderType, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{Provider: p, HTTP: httpClient}
}

// DoJSON sends in as the JSON body (when non-nil) and decodes the response into out (when non-nil).
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.Provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", c.Provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DecodeVendorError(c.Provider, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", c.Provider, err)
	}
	return nil
}

// Fetch downloads binary content with the given headers.
func (c *HTTPClient) Fetch(ctx context.Context, url string, header http.Header) (*MediaBlob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s media download failed: %w", c.Provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s media: %w", c.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, DecodeVendorError(c.Provider, resp.StatusCode, data)
	}

	blob := &MediaBlob{Data: data, MimeType: resp.Header.Get("Content-Type")}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			blob.Filename = path.Base(params["filename"])
		}
	}
	return blob, nil
}

// DecodeVendorError builds a VendorAPIError from a failed response. It
// understands the Graph error object and the relay's legacy meta/errors shapes.
func DecodeVendorError(p store.ProviderType, status int, body []byte) *VendorAPIError {
	apiErr := &VendorAPIError{
		Provider:   p,
		StatusCode: status,
		Body:       string(body),
	}

	var parsed struct {
		Error *struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
		Meta *struct {
			DeveloperMessage string `json:"developer_message"`
		} `json:"meta"`
		Errors []struct {
			Code    int    `json:"code"`
			Title   string `json:"title"`
			Details string `json:"details"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error != nil && parsed.Error.Message != "":
			apiErr.Message = parsed.Error.Message
			apiErr.Code = parsed.Error.Code
		case len(parsed.Errors) > 0:
			apiErr.Code = parsed.Errors[0].Code
			apiErr.Message = parsed.Errors[0].Title
			if parsed.Errors[0].Details != "" {
				apiErr.Message += ": " + parsed.Errors[0].Details
			}
		case parsed.Meta != nil && parsed.Meta.DeveloperMessage != "":
			apiErr.Message = parsed.Meta.DeveloperMessage
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
