package storage

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/epw80/studyhall/pkg/keys"
)

// MemoryStore is an in-process Store. Every operation holds one mutex, so
// conditional updates and counters are atomic per item. Expired items are
// invisible to reads and dropped lazily.
type MemoryStore struct {
	mu    sync.Mutex
	items map[keys.Key]Item
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[keys.Key]Item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of live items.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if !it.expired(s.now()) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) lookup(key keys.Key) Item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return it
}

// Get returns the item stored under key
func (s *MemoryStore) Get(_ context.Context, key keys.Key) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

// Put overwrites the item
func (s *MemoryStore) Put(_ context.Context, item Item, opts ...PutOption) error {
	key, err := item.Key()
	if err != nil {
		return err
	}
	o := collectPutOptions(opts)

	stored := item.clone()
	proj, err := projectionUpdates(keys.KindOf(key), nil, nil, stored)
	if err != nil {
		return err
	}
	for attr, v := range proj {
		stored[attr] = &types.AttributeValueMemberS{Value: v}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ifNotExists && s.lookup(key) != nil {
		return ErrAlreadyExists
	}
	s.items[key] = stored
	return nil
}

// Update applies patch atomically
func (s *MemoryStore) Update(_ context.Context, key keys.Key, patch *Patch) (Item, error) {
	if patch == nil || patch.empty() {
		return nil, ErrEmptyPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lookup(key)
	ok, err := evalAll(current, patch.conds)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConditionFailed
	}

	next := current.clone()
	if current == nil {
		next[AttrPK] = &types.AttributeValueMemberS{Value: key.PK}
		next[AttrSK] = &types.AttributeValueMemberS{Value: key.SK}
	}
	if err := applyPatch(next, patch); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(patch.set))
	for name, v := range patch.set {
		values[name] = fieldText(v)
	}
	proj, err := projectionUpdates(keys.KindOf(key), patch.setNames(), values, next)
	if err != nil {
		return nil, err
	}
	for attr, v := range proj {
		next[attr] = &types.AttributeValueMemberS{Value: v}
	}

	s.items[key] = next
	return next.clone(), nil
}

// Delete removes the item
func (s *MemoryStore) Delete(_ context.Context, key keys.Key, conds ...Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lookup(key)
	if len(conds) > 0 {
		ok, err := evalAll(current, conds)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConditionFailed
		}
	}
	delete(s.items, key)
	return nil
}

// QueryByPartition scans one partition in sort key order
func (s *MemoryStore) QueryByPartition(_ context.Context, partitionKey string, opts QueryOptions) (*Page, error) {
	scope := queryScope{Partition: partitionKey, Prefix: opts.SortKeyPrefix, Descending: opts.Descending}
	return s.query(scope, AttrPK, AttrSK, opts)
}

// QueryByIndex scans one index partition in index sort key order
func (s *MemoryStore) QueryByIndex(_ context.Context, index, partitionKey string, opts QueryOptions) (*Page, error) {
	pkAttr, skAttr, err := keys.IndexAttributes(index)
	if err != nil {
		return nil, err
	}
	scope := queryScope{Index: index, Partition: partitionKey, Prefix: opts.SortKeyPrefix, Descending: opts.Descending}
	return s.query(scope, pkAttr, skAttr, opts)
}

func (s *MemoryStore) query(scope queryScope, pkAttr, skAttr string, opts QueryOptions) (*Page, error) {
	last, err := decodeCursor(opts.Cursor, scope)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var matched []Item
	for key := range s.items {
		it := s.lookup(key)
		if it == nil {
			continue
		}
		if it.String(pkAttr) != scope.Partition {
			continue
		}
		sk, ok := it[skAttr].(*types.AttributeValueMemberS)
		if !ok || !keys.HasPrefix(sk.Value, scope.Prefix) {
			continue
		}
		matched = append(matched, it.clone())
	}
	s.mu.Unlock()

	order := func(it Item) []string {
		return []string{it.String(skAttr), it.String(AttrPK), it.String(AttrSK)}
	}
	less := func(a, b []string) bool {
		for i := range a {
			if a[i] != b[i] {
				return a[i] < b[i]
			}
		}
		return false
	}
	sort.Slice(matched, func(i, j int) bool {
		if scope.Descending {
			return less(order(matched[j]), order(matched[i]))
		}
		return less(order(matched[i]), order(matched[j]))
	})

	start := 0
	if last != nil {
		pos := []string{last[skAttr], last[AttrPK], last[AttrSK]}
		start = sort.Search(len(matched), func(i int) bool {
			if scope.Descending {
				return less(order(matched[i]), pos)
			}
			return less(pos, order(matched[i]))
		})
	}

	limit := opts.limit()
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := &Page{Items: matched[start:end]}
	if end < len(matched) && end > start {
		page.NextCursor, err = encodeCursor(scope, matched[end-1])
		if err != nil {
			return nil, err
		}
	}
	return page, nil
}

func applyPatch(it Item, p *Patch) error {
	for _, name := range sortedKeys(p.set) {
		av, err := attributevalue.Marshal(p.set[name])
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		it[name] = av
	}
	for _, name := range sortedKeys(p.setIfAbsent) {
		if _, ok := it[name]; ok {
			continue
		}
		av, err := attributevalue.Marshal(p.setIfAbsent[name])
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		it[name] = av
	}
	for _, name := range sortedKeys(p.add) {
		var base int64
		if cur, ok := it[name]; ok {
			n, ok := cur.(*types.AttributeValueMemberN)
			if !ok {
				return fmt.Errorf("cannot add to non-numeric field %s", name)
			}
			if _, err := fmt.Sscan(n.Value, &base); err != nil {
				return fmt.Errorf("cannot add to field %s: %w", name, err)
			}
		}
		it[name] = &types.AttributeValueMemberN{Value: fmt.Sprint(base + p.add[name])}
	}
	for _, name := range sortedKeys(p.addToSet) {
		members := setMembers(it[name])
		for _, v := range p.addToSet[name] {
			if !containsString(members, v) {
				members = append(members, v)
			}
		}
		if len(members) > 0 {
			it[name] = &types.AttributeValueMemberSS{Value: members}
		}
	}
	for _, name := range sortedKeys(p.deleteFromSet) {
		members := setMembers(it[name])
		kept := members[:0:0]
		for _, m := range members {
			if !containsString(p.deleteFromSet[name], m) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(it, name)
		} else {
			it[name] = &types.AttributeValueMemberSS{Value: kept}
		}
	}
	for _, name := range p.remove {
		delete(it, name)
	}
	return nil
}

func setMembers(av types.AttributeValue) []string {
	ss, ok := av.(*types.AttributeValueMemberSS)
	if !ok {
		return nil
	}
	return append([]string(nil), ss.Value...)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func evalAll(it Item, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := eval(it, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func eval(it Item, c Condition) (bool, error) {
	if c.op == opAnyOf {
		for _, sub := range c.any {
			ok, err := eval(it, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	cur, present := it[c.name]
	switch c.op {
	case opExists:
		return present, nil
	case opNotExists:
		return !present, nil
	case opContains, opNotContains:
		found := false
		switch v := cur.(type) {
		case *types.AttributeValueMemberSS:
			found = containsString(v.Value, fieldText(c.value))
		case *types.AttributeValueMemberS:
			found = strings.Contains(v.Value, fieldText(c.value))
		}
		if c.op == opContains {
			return found, nil
		}
		return !found, nil
	}

	if !present {
		return false, nil
	}
	want, err := attributevalue.Marshal(c.value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal condition value: %w", err)
	}
	cmp, comparable := compareValues(cur, want)
	switch c.op {
	case opEquals:
		return comparable && cmp == 0, nil
	case opNotEquals:
		return !comparable || cmp != 0, nil
	case opLessThan:
		return comparable && cmp < 0, nil
	}
	return false, fmt.Errorf("unknown condition op %d", c.op)
}

// compareValues orders two attribute values of the same scalar type. Other
// types only compare for equality.
func compareValues(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, okA := new(big.Float).SetString(av.Value)
		y, okB := new(big.Float).SetString(bv.Value)
		if !okA || !okB {
			return 0, false
		}
		return x.Cmp(y), true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if av.Value == bv.Value {
			return 0, true
		}
		return 1, true
	}
	if reflect.DeepEqual(a, b) {
		return 0, true
	}
	return 1, true
}
