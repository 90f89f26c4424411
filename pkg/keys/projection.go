package keys

import (
	"fmt"
	"time"
)

// Classification attributes that feed a secondary projection. A change to any
// of them must rewrite the projection keys in the same write.
const (
	FieldLevel     = "level"
	FieldCreatedAt = "createdAt"
	FieldEnglish   = "english"
	FieldCategory  = "category"
)

// Projection derives one secondary index key pair from an item's classification fields.
type Projection struct {
	Index  string
	Fields []string
	Build  func(fields map[string]string) (Key, error)
}

// Touches reports whether any of names is a source field of the projection.
func (p Projection) Touches(names ...string) bool {
	for _, n := range names {
		for _, f := range p.Fields {
			if n == f {
				return true
			}
		}
	}
	return false
}

var projections = map[Kind][]Projection{
	KindRoom: {{
		Index:  IndexGSI1,
		Fields: []string{FieldLevel, FieldCreatedAt},
		Build: func(f map[string]string) (Key, error) {
			createdAt, err := parseFieldTime(f[FieldCreatedAt])
			if err != nil {
				return Key{}, err
			}
			return RoomProjection(f[FieldLevel], createdAt)
		},
	}},
	KindWord: {
		{
			Index:  IndexGSI1,
			Fields: []string{FieldEnglish, FieldLevel, FieldCategory},
			Build: func(f map[string]string) (Key, error) {
				return WordLevelProjection(f[FieldEnglish], f[FieldLevel], f[FieldCategory])
			},
		},
		{
			Index:  IndexGSI2,
			Fields: []string{FieldEnglish, FieldLevel, FieldCategory},
			Build: func(f map[string]string) (Key, error) {
				return WordCategoryProjection(f[FieldEnglish], f[FieldLevel], f[FieldCategory])
			},
		},
	},
}

// parseFieldTime accepts the key layout and the RFC 3339 form attribute
// marshaling gives time.Time fields.
func parseFieldTime(s string) (time.Time, error) {
	if t, err := ParseTime(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedKey, s)
	}
	return t, nil
}

// ProjectionsFor returns the projections whose keys depend on mutable fields of kind.
// Projections built from immutable identifiers (messages, badges) are written once
// at creation and are not listed.
func ProjectionsFor(kind Kind) []Projection {
	return projections[kind]
}

// ProjectionFields returns the union of source fields for kind.
func ProjectionFields(kind Kind) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range projections[kind] {
		for _, f := range p.Fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// IndexAttributes returns the attribute names holding the partition and sort key of index.
func IndexAttributes(index string) (pk, sk string, err error) {
	switch index {
	case IndexGSI1:
		return "GSI1PK", "GSI1SK", nil
	case IndexGSI2:
		return "GSI2PK", "GSI2SK", nil
	}
	return "", "", fmt.Errorf("unknown index %q", index)
}
