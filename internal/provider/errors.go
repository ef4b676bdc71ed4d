// ABOUTME: Error taxonomy shared by every provider adapter and the facade
// ABOUTME: Callers branch on kind with errors.Is and errors.As

package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/wa-gateway/internal/store"
)

var (
	// ErrConfigNotFound is returned when no phone line is configured for (tenant, line).
	ErrConfigNotFound = errors.New("phone line not configured")

	// ErrUnsupportedOperation is returned when the active provider has no equivalent capability.
	ErrUnsupportedOperation = errors.New("operation not supported by provider")

	// ErrTemplateRequired is returned when the service window is closed on a cloud provider.
	ErrTemplateRequired = errors.New("service window closed, template required")
)

// TemplateRequiredError carries the window details of a rejected free-form send.
type TemplateRequiredError struct {
	LastCustomerMessageAt *time.Time
	HoursExpired          float64
}

func (e *TemplateRequiredError) Error() string {
	if e.LastCustomerMessageAt == nil {
		return ErrTemplateRequired.Error() + ": contact has never written in"
	}
	return fmt.Sprintf("%s: window expired %.1fh ago", ErrTemplateRequired, e.HoursExpired)
}

// Is reports ErrTemplateRequired as equivalent.
func (e *TemplateRequiredError) Is(target error) bool {
	return target == ErrTemplateRequired
}

// Unsupported builds an ErrUnsupportedOperation naming the provider and operation.
func Unsupported(p store.ProviderType, operation string) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, operation, p)
}

// VendorAPIError wraps a non-success vendor HTTP response. Body is kept verbatim.
type VendorAPIError struct {
	Provider   store.ProviderType
	StatusCode int
	Code       int    // vendor error code, 0 when absent
	Message    string // vendor error message, falls back to the HTTP status text
	Body       string
}

func (e *VendorAPIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error (http %d, code %d): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (http %d): %s", e.Provider, e.StatusCode, e.Message)
}
