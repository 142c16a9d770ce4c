package session

import "errors"

var (
	// ErrOwnership means the caller is not the user recorded as the session owner.
	// It is never retried and never recovered from.
	ErrOwnership = errors.New("session belongs to another user")

	// ErrNotFound covers both absent and idle-expired sessions
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned to viewers heartbeating a session that no longer exists
	ErrExpired = errors.New("session expired")

	// ErrPendingTimeout means another process is still creating the browser
	ErrPendingTimeout = errors.New("session creation still in progress, retry later")

	// ErrDuplicateCreation means a second browser was created for the session
	// and has been torn down
	ErrDuplicateCreation = errors.New("duplicate browser creation detected")
)
