package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("client not found")
	ErrAlreadyAtThreshold = errors.New("client already at threshold")
	ErrInsufficientStamps = errors.New("insufficient stamps")
)

// ThresholdError is returned when a conditional ledger update matched no
// row because the card was in the wrong state. Current is the stamp count
// observed right after the failed update.
type ThresholdError struct {
	Kind    error
	Current int
}

func (e *ThresholdError) Error() string {
	if e.Kind == ErrInsufficientStamps {
		return fmt.Sprintf("%v: have %d, need %d more", e.Kind, e.Current, CutsLeft(e.Current))
	}
	return fmt.Sprintf("%v: have %d", e.Kind, e.Current)
}

func (e *ThresholdError) Unwrap() error { return e.Kind }

// CurrentStamps extracts the stamp count carried by a ThresholdError.
func CurrentStamps(err error) (int, bool) {
	var te *ThresholdError
	if errors.As(err, &te) {
		return te.Current, true
	}
	return 0, false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
