package todo

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrCategoryNotFound = errors.New("category not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalid          = errors.New("invalid input")
)
