package auth

import "errors"

var (
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrMissingSecret    = errors.New("auth: secret is not configured")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrStaleLogin       = errors.New("auth: login message outside the accepted window")
)
