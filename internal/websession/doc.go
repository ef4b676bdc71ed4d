// Package websession runs in-process WhatsApp Web sessions for local lines.
//
// Each BrowserSession owns a Chrome instance (launched with go-rod or reached
// through a remote DevTools URL) showing WhatsApp Web in a stealth page. A
// small bridge script, embedded from bridge.js, reports pairing and
// connection state plus new messages through a CDP binding, and exposes send
// and download helpers the Go side evaluates.
//
// Sessions are owned by a Registry keyed by (tenant, line). The local
// provider adapter borrows sessions through Lookup and never closes them.
package websession
