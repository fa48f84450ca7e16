package domain

import "errors"

var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrAccessDenied      = errors.New("access denied by profile store policy")
	ErrTransient         = errors.New("transient profile store failure")
	ErrProfileIDRequired = errors.New("profile id is required")
	ErrEmailRequired     = errors.New("email is required")
	ErrInvalidRole       = errors.New("invalid role")
)
