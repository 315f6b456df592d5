// Package watermark defines the watermark method contract, the registry
// through which methods are resolved by name, and the built-in methods.
//
// Methods are pure functions of their inputs apart from algorithm-specific
// side storage (the secret store used by the email-in-producer method).
// They never log; every failure is returned as an error matching one of the
// sentinel errors below via errors.Is.
package watermark

import "errors"

// Error kinds. Callers map these to user-facing responses.
var (
	ErrInvalidSecret  = errors.New("invalid secret")
	ErrInvalidKey     = errors.New("invalid key")
	ErrSecretNotFound = errors.New("secret not found")
	ErrUnknownMethod  = errors.New("unknown watermarking method")
	ErrDuplicateName  = errors.New("method name already registered")
	ErrNotApplicable  = errors.New("method not applicable to document")
)

// EmbedOptions carries optional embedding parameters.
type EmbedOptions struct {
	// Position is an algorithm-specific placement hint. The built-in
	// methods ignore it.
	Position string
}

// Method is a watermarking algorithm.
type Method interface {
	// Name returns the registry name of the method.
	Name() string

	// Embed returns a copy of doc carrying secret, bound to key.
	Embed(doc []byte, secret, key string, opts EmbedOptions) ([]byte, error)

	// Extract recovers and authenticates the secret carried by doc.
	Extract(doc []byte, key string) (string, error)

	// IsApplicable reports whether Embed can be used on doc.
	IsApplicable(doc []byte) bool

	// Usage returns a one-paragraph description for operators.
	Usage() string
}

// Discarder is implemented by methods that keep side records for the
// documents they embed into. Discard removes the record backing doc, an
// Embed output that was never handed out.
type Discarder interface {
	Discard(doc []byte) error
}

// MethodInfo describes a registered method.
type MethodInfo struct {
	Name  string `json:"name"`
	Usage string `json:"usage"`
}
