package dispatch

import (
	"fmt"
	"strings"
	"time"

	"perpbot/internal/domain"
)

// Trading sessions, in resolution priority order for overlapping hours.
const (
	SessionLondon   = "London"
	SessionNewYork  = "New York"
	SessionAsia     = "Asia"
	SessionSydney   = "Sydney"
	SessionOffHours = "Off-Hours"
)

// NormalizeSymbol strips exchange decoration from an incoming symbol:
// an "EXCHANGE:" prefix and the perpetual ".P" suffix.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".P")
	return s
}

// SessionAt classifies a moment into a trading session by its UTC hour.
// London and New York overlap Asia and Sydney; the priority above decides.
func SessionAt(t time.Time) string {
	h := t.UTC().Hour()
	switch {
	case h >= 7 && h < 16:
		return SessionLondon
	case h >= 12 && h < 21:
		return SessionNewYork
	case h >= 0 && h < 9:
		return SessionAsia
	case h >= 21 || h < 6:
		return SessionSydney
	default:
		return SessionOffHours
	}
}

// checkFilters runs the policy's signal filters in order and returns a
// non-empty reason for the first one the alert fails.
func checkFilters(a domain.Alert, p domain.Policy, now time.Time) string {
	if len(p.IndicatorVersionFilter) > 0 && !containsFold(p.IndicatorVersionFilter, a.IndicatorVersion) {
		return fmt.Sprintf("indicator version %q not in allow-list", a.IndicatorVersion)
	}

	if p.FilterByTier {
		if containsFold(p.ExcludedTiers, a.Tier) {
			return fmt.Sprintf("tier %q excluded", a.Tier)
		}
		if len(p.AllowedTiers) > 0 && !containsFold(p.AllowedTiers, a.Tier) {
			return fmt.Sprintf("tier %q not allowed", a.Tier)
		}
	}

	if p.MinSignalStrengthEnabled && a.Strength < p.MinSignalStrengthThreshold {
		return fmt.Sprintf("strength %.2f below threshold %.2f", a.Strength, p.MinSignalStrengthThreshold)
	}

	if p.SessionFilteringEnabled {
		session := a.Session
		if session == "" {
			session = SessionAt(now)
		}
		if containsFold(p.ExcludedSessions, session) {
			return fmt.Sprintf("session %q excluded", session)
		}
		if len(p.AllowedSessions) > 0 && !containsFold(p.AllowedSessions, session) {
			return fmt.Sprintf("session %q not allowed", session)
		}
	}

	if p.TimeFilteringEnabled && len(p.ActiveTimeRanges) > 0 {
		if !inActiveWindow(now, p.UserTimezone, p.ActiveTimeRanges) {
			return "outside active time ranges"
		}
	}

	return ""
}

// inActiveWindow reports whether now, viewed in the user's timezone, falls
// inside any configured range. A range whose end precedes its start spans
// midnight.
func inActiveWindow(now time.Time, tz string, ranges []domain.TimeRange) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	clock := now.In(loc).Format("15:04")
	for _, r := range ranges {
		if r.Start == "" || r.End == "" {
			continue
		}
		if r.Start <= r.End {
			if clock >= r.Start && clock < r.End {
				return true
			}
		} else {
			if clock >= r.Start || clock < r.End {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
