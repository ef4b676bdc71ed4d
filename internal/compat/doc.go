// ABOUTME: Package compat adapts canonical message events to the web client message shape
// ABOUTME: Lets conversation handlers written for the local backend run unchanged on vendor backends

// Package compat provides the compatibility shim handed to conversation
// handlers. New picks the concrete type once, from the provider recorded on
// the event; every method then behaves the same way from the caller's side.
package compat
