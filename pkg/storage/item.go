package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/epw80/studyhall/pkg/keys"
)

// Item is one stored record in DynamoDB attribute form.
type Item map[string]types.AttributeValue

// NewItem marshals v and stamps it with the primary key and entity type.
func NewItem(key keys.Key, v any) (Item, error) {
	av, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	item := Item(av)
	item[AttrPK] = &types.AttributeValueMemberS{Value: key.PK}
	item[AttrSK] = &types.AttributeValueMemberS{Value: key.SK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: keys.KindOf(key).String()}
	return item, nil
}

// SetProjection writes the key attributes of a secondary index.
func (it Item) SetProjection(index string, k keys.Key) error {
	pkAttr, skAttr, err := keys.IndexAttributes(index)
	if err != nil {
		return err
	}
	it[pkAttr] = &types.AttributeValueMemberS{Value: k.PK}
	it[skAttr] = &types.AttributeValueMemberS{Value: k.SK}
	return nil
}

// ExpireAt sets the time-to-live attribute.
func (it Item) ExpireAt(t time.Time) {
	it[AttrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// Key returns the primary key of the item.
func (it Item) Key() (keys.Key, error) {
	pk, sk := it.String(AttrPK), it.String(AttrSK)
	if pk == "" || sk == "" {
		return keys.Key{}, ErrMissingKey
	}
	return keys.Key{PK: pk, SK: sk}, nil
}

// Unmarshal decodes the item into out.
func (it Item) Unmarshal(out any) error {
	if err := attributevalue.UnmarshalMap(it, out); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// String returns a string or number attribute as text, or "" when absent.
func (it Item) String(name string) string {
	switch v := it[name].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

// Int returns a numeric attribute, or 0 when absent or not numeric.
func (it Item) Int(name string) int64 {
	n, ok := it[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return i
}

func (it Item) expired(now time.Time) bool {
	n, ok := it[AttrTTL].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil || exp == 0 {
		return false
	}
	return exp <= now.Unix()
}

func (it Item) clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// stringSet marshals as a DynamoDB string set rather than a list.
type stringSet []string

func (s stringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberSS{Value: append([]string(nil), s...)}, nil
}

// rawValue passes an attribute value read from the table back into an expression unchanged.
type rawValue struct{ av types.AttributeValue }

func (v rawValue) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return v.av, nil
}

// fieldText renders a classification value the way it is stored.
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// projectionUpdates computes the projection key attributes for an item of kind
// after the named fields changed. values supplies the new field values; current
// supplies the rest. It returns nil when nothing depends on the changed fields
// or when the item does not carry every source field yet.
func projectionUpdates(kind keys.Kind, changed []string, values map[string]string, current Item) (map[string]string, error) {
	var out map[string]string
	for _, p := range keys.ProjectionsFor(kind) {
		if changed != nil && !p.Touches(changed...) {
			continue
		}
		fields := make(map[string]string, len(p.Fields))
		complete := true
		for _, f := range p.Fields {
			if v, ok := values[f]; ok {
				fields[f] = v
			} else if v := current.String(f); v != "" {
				fields[f] = v
			} else {
				complete = false
			}
		}
		if !complete {
			continue
		}
		k, err := p.Build(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to project %s: %w", p.Index, err)
		}
		pkAttr, skAttr, err := keys.IndexAttributes(p.Index)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[pkAttr] = k.PK
		out[skAttr] = k.SK
	}
	return out, nil
}
