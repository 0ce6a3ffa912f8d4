package models

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("ride no longer in required state")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidCode  = errors.New("invalid code")
	ErrExpired      = errors.New("code expired")
	ErrUnavailable  = errors.New("no drivers available")
)
