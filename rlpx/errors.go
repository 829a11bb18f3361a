package rlpx

import "errors"

// Errors reported by the handshake and frame layers.
var (
	// ErrBadHandshake indicates a malformed or oversized handshake message.
	ErrBadHandshake = errors.New("malformed handshake message")

	// ErrAuthentication indicates an identity or MAC check failed during the
	// handshake. The connection must be abandoned.
	ErrAuthentication = errors.New("handshake authentication failed")

	// ErrMACMismatch indicates a frame failed its integrity check. Once a
	// directional MAC chain desyncs every later frame is unrecoverable, so
	// the connection must be closed.
	ErrMACMismatch = errors.New("frame MAC mismatch")

	// ErrFrameTooLarge indicates a peer declared a frame above the accepted
	// size bound.
	ErrFrameTooLarge = errors.New("frame size exceeds limit")

	// ErrNoSecrets indicates frame I/O was attempted before the handshake
	// completed.
	ErrNoSecrets = errors.New("connection has no session secrets")
)
