package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// ParseSubject derives the numeric Buwana id from a sub claim. Integral JSON
// numbers and all-digit strings are taken as-is; otherwise the trailing run of
// digits is used, so "buwana|42" yields 42.
func ParseSubject(sub any) (int64, error) {
	switch v := sub.(type) {
	case nil:
		return 0, fmt.Errorf("%w: sub claim missing", ErrInvalidSubject)
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSubject, v)
		}
		return int64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidSubject, v)
		}
		return int64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidSubject, v)
		}
		return v, nil
	case json.Number:
		return ParseSubject(v.String())
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("%w: sub claim empty", ErrInvalidSubject)
		}
		m := trailingDigits.FindString(s)
		if m == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSubject, s)
		}
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSubject, s, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidSubject, sub)
	}
}

// Profile is the profile data carried by a set of verified claims. Empty
// fields mean the provider did not supply them.
type Profile struct {
	Email          string
	FullName       string
	FirstName      string
	LastName       string
	Role           string
	EarthlingEmoji string
}

// ProfileFromClaims maps id token claims onto a Profile.
//
// When given_name/family_name are absent the full name is split on
// whitespace: the first word becomes the first name and the rest the last
// name. This is a heuristic and is wrong for single-word names, multi-part
// surnames and scripts that do not separate words with spaces.
func ProfileFromClaims(claims map[string]any) Profile {
	p := Profile{
		Email:          firstClaim(claims, "email", "preferred_username"),
		FullName:       firstClaim(claims, "name", "full_name", "nickname"),
		FirstName:      firstClaim(claims, "given_name"),
		LastName:       firstClaim(claims, "family_name"),
		Role:           firstClaim(claims, "role"),
		EarthlingEmoji: firstClaim(claims, "earthling_emoji"),
	}

	if p.FirstName == "" && p.FullName != "" {
		parts := strings.Fields(p.FullName)
		p.FirstName = parts[0]
		if p.LastName == "" && len(parts) > 1 {
			p.LastName = strings.Join(parts[1:], " ")
		}
	}
	return p
}

func firstClaim(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
