package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotArmed rejects live delivery while the safety fuse is disengaged.
// Raised before any action is created; the request has zero side effects.
var ErrNotArmed = errors.New("safety fuse not armed: set safety.armed to allow live delivery")

// WhitelistError rejects a request naming targets outside the allowed set.
// The whole request is refused; no partial admission.
type WhitelistError struct {
	Targets []string
}

func (e *WhitelistError) Error() string {
	return fmt.Sprintf("targets not in whitelist: %s", strings.Join(e.Targets, ", "))
}
