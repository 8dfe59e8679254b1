package scantoken

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("scan token not found")

	// ErrAlreadyUsedOrExpired is returned by Consume when the conditional
	// update matched no row.
	ErrAlreadyUsedOrExpired = errors.New("scan token already used or expired")

	// ErrClientNotFound is returned by Issue when the client does not exist
	// or belongs to another business.
	ErrClientNotFound = errors.New("client not found")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAlreadyUsedOrExpired(err error) bool { return errors.Is(err, ErrAlreadyUsedOrExpired) }
