package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrNoProviderAvailable means every eligible provider is circuit-open or
	// out of capacity. It does not count against a message's retry budget.
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrRecipientSuppressed = errors.New("recipient suppressed")
	ErrTemplateRender      = errors.New("template render error")
	ErrConfiguration       = errors.New("configuration error")
	ErrInvalidTransition   = errors.New("invalid status transition")
)
