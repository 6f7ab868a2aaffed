package identity

import "errors"

var (
	// ErrUserExists is returned by strict reconciliation when the identity
	// being created is already known
	ErrUserExists = errors.New("user already exists")

	// ErrCreateFailed is returned when the directory write fails for a reason
	// other than a uniqueness conflict
	ErrCreateFailed = errors.New("unable to create user")

	// ErrInvalidIdentity is returned when provider, subject or email is missing
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrInvalidAttributes is returned when extra attributes fail to decode
	ErrInvalidAttributes = errors.New("invalid attributes")
)
