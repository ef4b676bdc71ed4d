// ABOUTME: Package waformat converts Markdown to WhatsApp text markup
// ABOUTME: Used by the facade when messaging.markdown is enabled

package waformat
