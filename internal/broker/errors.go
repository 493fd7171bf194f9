package broker

import "errors"

var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrSessionExpired = errors.New("session expired")
)
