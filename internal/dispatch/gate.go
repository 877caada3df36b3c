package dispatch

import "strings"

// checkSafety evaluates the two-flag fuse once per request, before scheduling.
//
// dry_run wins over armed: a dry-run request is always admitted in preview
// mode. Live delivery requires the fuse to be explicitly armed.
func checkSafety(armed, dryRun bool) (Mode, error) {
	if dryRun {
		return ModePreview, nil
	}
	if !armed {
		return ModeLive, ErrNotArmed
	}
	return ModeLive, nil
}

// validateTargets fails fast: one target outside the allowed set rejects the
// entire request.
func validateTargets(targets []string, allowed map[string]struct{}) error {
	var bad []string
	for _, t := range targets {
		if _, ok := allowed[strings.TrimSpace(t)]; !ok {
			bad = append(bad, t)
		}
	}
	if len(bad) > 0 {
		return &WhitelistError{Targets: bad}
	}
	return nil
}

func allowedSet(targets []string) map[string]struct{} {
	m := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return m
}
