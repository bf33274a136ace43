package session

import "errors"

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyExists    = errors.New("session already exists")
	ErrInvalidSlug      = errors.New("invalid session slug")
	ErrInvalidPath      = errors.New("invalid working directory")
	ErrInvalidTransport = errors.New("invalid transport")
)
