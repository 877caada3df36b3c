package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Supported schedule forms, normalized to a robfig/cron spec:
//   - "daily HH:MM"            fire every day at HH:MM
//   - "weekly <dow> HH:MM"     fire on a weekday (mon..sun or 0..6) at HH:MM
//   - "monthly <dom> HH:MM"    fire on a day of month (1..31) at HH:MM
//   - raw cron                 "30 9 * * 1-5", "@hourly", "@every 45m"
//   - Go duration              "45m", "2h30m" (becomes "@every ...")

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

var weekdays = map[string]string{
	"sun": "0", "mon": "1", "tue": "2", "wed": "3",
	"thu": "4", "fri": "5", "sat": "6",
}

// ParseSchedule normalizes a schedule string into a cron spec.
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	fields := strings.Fields(s)
	switch strings.ToLower(fields[0]) {
	case "daily":
		if len(fields) != 2 {
			return "", fmt.Errorf("invalid daily schedule %q (use 'daily HH:MM')", raw)
		}
		h, m, err := parseHHMM(fields[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil

	case "weekly":
		if len(fields) != 3 {
			return "", fmt.Errorf("invalid weekly schedule %q (use 'weekly <dow> HH:MM')", raw)
		}
		dow, err := parseWeekday(fields[1])
		if err != nil {
			return "", err
		}
		h, m, err := parseHHMM(fields[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %s", m, h, dow), nil

	case "monthly":
		if len(fields) != 3 {
			return "", fmt.Errorf("invalid monthly schedule %q (use 'monthly <dom> HH:MM')", raw)
		}
		dom, err := strconv.Atoi(fields[1])
		if err != nil || dom < 1 || dom > 31 {
			return "", fmt.Errorf("invalid day of month %q", fields[1])
		}
		h, m, err := parseHHMM(fields[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d %d * *", m, h, dom), nil
	}

	// Raw cron: whitespace or a leading '@' descriptor.
	if len(fields) > 1 || strings.HasPrefix(s, "@") {
		return s, nil
	}

	// Bare Go duration.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}

	return "", fmt.Errorf(
		"invalid schedule %q (use 'daily HH:MM', 'weekly mon HH:MM', 'monthly 15 HH:MM', cron like '30 9 * * 1-5', or a duration like '45m')",
		raw,
	)
}

func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(v))
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time %q (use HH:MM)", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return h, mm, nil
}

func parseWeekday(v string) (string, error) {
	low := strings.ToLower(strings.TrimSpace(v))
	if d, ok := weekdays[low]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(low); err == nil && n >= 0 && n <= 6 {
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("invalid weekday %q (use mon..sun or 0..6)", v)
}
