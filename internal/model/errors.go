package model

import "errors"

// Sentinel errors shared by every layer. Callers wrap them with context
// using fmt.Errorf("%w: ...") and match with errors.Is; the API layer
// maps them to HTTP status codes.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientHolding = errors.New("insufficient holding")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConflict            = errors.New("concurrent modification")
)
