package storage

import "sort"

// Patch is a partial, field-level update. Counter increments and set
// additions are applied by the store itself, never read-modify-write.
type Patch struct {
	set           map[string]any
	setIfAbsent   map[string]any
	add           map[string]int64
	addToSet      map[string][]string
	deleteFromSet map[string][]string
	remove        []string
	conds         []Condition
}

func NewPatch() *Patch {
	return &Patch{
		set:           make(map[string]any),
		setIfAbsent:   make(map[string]any),
		add:           make(map[string]int64),
		addToSet:      make(map[string][]string),
		deleteFromSet: make(map[string][]string),
	}
}

// Set assigns a field.
func (p *Patch) Set(name string, v any) *Patch {
	p.set[name] = v
	return p
}

// SetIfAbsent assigns a field only when it has no value yet.
func (p *Patch) SetIfAbsent(name string, v any) *Patch {
	p.setIfAbsent[name] = v
	return p
}

// Add increments a numeric field, treating a missing field as zero.
func (p *Patch) Add(name string, delta int64) *Patch {
	p.add[name] += delta
	return p
}

// AddToSet adds members to a string set field.
func (p *Patch) AddToSet(name string, values ...string) *Patch {
	p.addToSet[name] = append(p.addToSet[name], values...)
	return p
}

// DeleteFromSet removes members from a string set field.
func (p *Patch) DeleteFromSet(name string, values ...string) *Patch {
	p.deleteFromSet[name] = append(p.deleteFromSet[name], values...)
	return p
}

// Remove deletes fields.
func (p *Patch) Remove(names ...string) *Patch {
	p.remove = append(p.remove, names...)
	return p
}

// When adds conditions that must all hold for the patch to apply.
func (p *Patch) When(conds ...Condition) *Patch {
	p.conds = append(p.conds, conds...)
	return p
}

func (p *Patch) empty() bool {
	return len(p.set) == 0 && len(p.setIfAbsent) == 0 && len(p.add) == 0 &&
		len(p.addToSet) == 0 && len(p.deleteFromSet) == 0 && len(p.remove) == 0
}

// setNames lists the fields assigned by the patch, sorted for stable expressions.
func (p *Patch) setNames() []string {
	names := make([]string, 0, len(p.set))
	for n := range p.set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type condOp int

const (
	opExists condOp = iota
	opNotExists
	opEquals
	opNotEquals
	opLessThan
	opContains
	opNotContains
	opAnyOf
)

// Condition guards a write. Conditions on absent fields follow DynamoDB
// semantics: comparisons are false and NotContains is true.
type Condition struct {
	op    condOp
	name  string
	value any
	any   []Condition
}

func Exists(name string) Condition    { return Condition{op: opExists, name: name} }
func NotExists(name string) Condition { return Condition{op: opNotExists, name: name} }

func Equals(name string, v any) Condition    { return Condition{op: opEquals, name: name, value: v} }
func NotEquals(name string, v any) Condition { return Condition{op: opNotEquals, name: name, value: v} }
func LessThan(name string, v any) Condition  { return Condition{op: opLessThan, name: name, value: v} }

// Contains holds when a string set field has member v.
func Contains(name, v string) Condition { return Condition{op: opContains, name: name, value: v} }

func NotContains(name, v string) Condition {
	return Condition{op: opNotContains, name: name, value: v}
}

// AnyOf holds when at least one of conds holds.
func AnyOf(conds ...Condition) Condition { return Condition{op: opAnyOf, any: conds} }

// ItemExists requires the item to be present.
func ItemExists() Condition { return Exists(AttrPK) }

// ItemNotExists requires the item to be absent.
func ItemNotExists() Condition { return NotExists(AttrPK) }
