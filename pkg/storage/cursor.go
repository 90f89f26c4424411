package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/epw80/studyhall/pkg/keys"
)

// queryScope identifies the query a cursor belongs to. A cursor is only
// accepted by a query with the same scope.
type queryScope struct {
	Index      string `json:"i,omitempty"`
	Partition  string `json:"p"`
	Prefix     string `json:"x,omitempty"`
	Descending bool   `json:"d,omitempty"`
}

type cursor struct {
	Scope   queryScope        `json:"s"`
	LastKey map[string]string `json:"k"`
}

// keyAttributes lists the attributes that position an item within the scope.
func (s queryScope) keyAttributes() []string {
	attrs := []string{AttrPK, AttrSK}
	if s.Index == "" {
		return attrs
	}
	if pk, sk, err := keys.IndexAttributes(s.Index); err == nil {
		attrs = append(attrs, pk, sk)
	}
	return attrs
}

func encodeCursor(scope queryScope, last Item) (string, error) {
	if last == nil {
		return "", nil
	}
	c := cursor{Scope: scope, LastKey: make(map[string]string)}
	for _, attr := range scope.keyAttributes() {
		c.LastKey[attr] = last.String(attr)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// decodeCursor returns the last key of a previous page, or nil for an empty cursor.
func decodeCursor(encoded string, scope queryScope) (map[string]string, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.Scope != scope {
		return nil, fmt.Errorf("%w: cursor belongs to a different query", ErrInvalidCursor)
	}
	for _, attr := range scope.keyAttributes() {
		if c.LastKey[attr] == "" {
			return nil, fmt.Errorf("%w: cursor is missing %s", ErrInvalidCursor, attr)
		}
	}
	return c.LastKey, nil
}

func startKey(last map[string]string) map[string]types.AttributeValue {
	if last == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(last))
	for k, v := range last {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return out
}
