// Package keys builds and parses every partition, sort and index key used in the
// single-table layout. No other package assembles raw key strings.
package keys

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Delimiter separates the components of a composite key.
	Delimiter = "#"

	// MaxScore is the largest score representable in a ranking sort key.
	MaxScore = 999999

	// TimeLayout is the fixed-width UTC layout used for timestamps inside keys,
	// so lexical order matches chronological order.
	TimeLayout = "2006-01-02T15:04:05.000Z"

	// Index names for the two secondary projections.
	IndexGSI1 = "GSI1"
	IndexGSI2 = "GSI2"
)

// ErrMalformedKey is returned for keys this package did not produce and for
// identifiers that cannot be encoded safely.
var ErrMalformedKey = errors.New("malformed key")

// Key is a primary key or a projection key pair.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string {
	return k.PK + " / " + k.SK
}

// Kind identifies the entity a key belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindRoom
	KindMessage
	KindRound
	KindGuess
	KindSessionScore
	KindUserStats
	KindUserRanking
	KindUserBadge
	KindWord
)

var kindNames = map[Kind]string{
	KindUnknown:      "UNKNOWN",
	KindRoom:         "ROOM",
	KindMessage:      "MESSAGE",
	KindRound:        "ROUND",
	KindGuess:        "GUESS",
	KindSessionScore: "SESSION_SCORE",
	KindUserStats:    "USER_STATS",
	KindUserRanking:  "USER_RANKING",
	KindUserBadge:    "USER_BADGE",
	KindWord:         "WORD",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ValidateID reports whether id can be embedded in a key.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrMalformedKey, field)
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("%w: %s %q contains %q", ErrMalformedKey, field, id, Delimiter)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %s contains control characters", ErrMalformedKey, field)
		}
	}
	return nil
}

func validateIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := ValidateID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// FormatTime renders t in the key time layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedKey, s)
	}
	return t, nil
}

func join(parts ...string) string {
	return strings.Join(parts, Delimiter)
}

func split(s string) []string {
	return strings.Split(s, Delimiter)
}

func malformed(k Key, what string) error {
	return fmt.Errorf("%w: %s is not a %s key", ErrMalformedKey, k, what)
}

// KindOf classifies a primary key by its shape. It returns KindUnknown for keys
// not produced by this package.
func KindOf(k Key) Kind {
	switch {
	case strings.HasPrefix(k.PK, prefixRoom):
		if _, err := DecodeRoomKey(k); err == nil {
			return KindRoom
		}
		if _, _, _, err := DecodeMessageKey(k); err == nil {
			return KindMessage
		}
		if _, _, _, _, err := DecodeGuessKey(k); err == nil {
			return KindGuess
		}
		if _, _, _, err := DecodeRoundKey(k); err == nil {
			return KindRound
		}
		if _, _, _, err := DecodeSessionScoreKey(k); err == nil {
			return KindSessionScore
		}
	case strings.HasPrefix(k.PK, prefixUser):
		if _, _, err := DecodeUserStatsKey(k); err == nil {
			return KindUserStats
		}
		if _, _, err := DecodeBadgeKey(k); err == nil {
			return KindUserBadge
		}
	case strings.HasPrefix(k.PK, prefixRanking):
		if _, _, _, err := DecodeRankingKey(k); err == nil {
			return KindUserRanking
		}
	case strings.HasPrefix(k.PK, prefixWord):
		if _, err := DecodeWordKey(k); err == nil {
			return KindWord
		}
	}
	return KindUnknown
}
