// Package provider defines the contract every WhatsApp connectivity backend implements.
//
// # Backends
//
// Three adapters live in subpackages:
//
//   - local: an in-process browser session (no service window, no templates)
//   - bsp: a Business Solution Provider REST relay
//   - cloud: the vendor Cloud API
//
// Each adapter receives a fully resolved Line (configuration plus decrypted
// credential) on every call and holds no per-line state of its own.
//
// # Service Window
//
// The BSP and cloud vendors reject free-form messages outside the 24-hour
// window. EnforceWindow wraps those adapters so the rejection happens locally,
// before any HTTP request, as a *TemplateRequiredError.
//
// # Errors
//
//   - ErrConfigNotFound: no line configured
//   - ErrUnsupportedOperation: no equivalent on this backend
//   - ErrTemplateRequired / *TemplateRequiredError: window closed
//   - *VendorAPIError: non-2xx vendor response, body kept verbatim
package provider
