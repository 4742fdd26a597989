package vm

import "fmt"

// fieldEntry is one key/value pair of an object, kept in insertion order.
type fieldEntry struct {
	key Value
	val Value
}

// Object is a prototype-linked, optionally-locked key/value container.
// Keys may be any non-null, non-undefined value; lookups that miss the whole
// prototype chain read as Undefined.
type Object struct {
	entries []fieldEntry
	index   map[Value]int

	proto  *Object
	locked bool

	// UserData is an opaque slot for host embedding. The engine itself uses
	// it to anchor sequences, completions and wrapped errors.
	UserData any

	// version increments on every structural change; meta-method caches
	// compare summed chain versions to stay coherent (see metaLookup).
	version uint64

	metaCache   map[string]Value
	metaVersion uint64
}

// NewObject creates an empty object with no prototype.
func NewObject() *Object {
	return &Object{index: make(map[Value]int)}
}

// NewObjectWithProto creates an empty object with the given prototype.
func NewObjectWithProto(proto *Object) *Object {
	o := NewObject()
	o.proto = proto
	return o
}

// Prototype returns the prototype object, nil when unset.
func (o *Object) Prototype() *Object { return o.proto }

// SetPrototype replaces the prototype. Cycles are rejected.
func (o *Object) SetPrototype(proto *Object) error {
	for p := proto; p != nil; p = p.proto {
		if p == o {
			return &Error{Kind: RuntimeError, Message: "prototype chain cycle"}
		}
	}
	o.proto = proto
	o.version++
	return nil
}

// Locked reports whether new keys are rejected.
func (o *Object) Locked() bool { return o.locked }

// Lock freezes the key set. Existing keys may still be updated.
func (o *Object) Lock() { o.locked = true }

// Len returns the number of own entries.
func (o *Object) Len() int { return len(o.entries) }

// GetOwn reads an own field without walking the prototype chain.
func (o *Object) GetOwn(key Value) (Value, bool) {
	if i, ok := o.index[key]; ok {
		return o.entries[i].val, true
	}
	return Undefined, false
}

// Get walks the prototype chain until the key is found or the chain ends.
// A miss reads as Undefined with found=false.
func (o *Object) Get(key Value) (Value, bool) {
	for cur := o; cur != nil; cur = cur.proto {
		if v, ok := cur.GetOwn(key); ok {
			return v, true
		}
	}
	return Undefined, false
}

// Set writes an own field, shadowing any prototype entry of the same key.
// Null and undefined keys are rejected; locked objects reject new keys.
func (o *Object) Set(key, val Value) error {
	if key.IsNull() || key.IsUndefined() {
		return &Error{Kind: TypeError, Message: fmt.Sprintf("%s is not a valid key", key.Kind())}
	}
	if i, ok := o.index[key]; ok {
		o.entries[i].val = val
		o.version++
		return nil
	}
	if o.locked {
		return &Error{Kind: RuntimeError, Message: "cannot add key to locked object"}
	}
	o.index[key] = len(o.entries)
	o.entries = append(o.entries, fieldEntry{key: key, val: val})
	o.version++
	return nil
}

// Delete removes an own field. Missing keys are a no-op.
func (o *Object) Delete(key Value) {
	i, ok := o.index[key]
	if !ok {
		return
	}
	delete(o.index, key)
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
	for j := i; j < len(o.entries); j++ {
		o.index[o.entries[j].key] = j
	}
	o.version++
}

// Keys returns the own keys in insertion order.
func (o *Object) Keys() []Value {
	keys := make([]Value, len(o.entries))
	for i, e := range o.entries {
		keys[i] = e.key
	}
	return keys
}

// Each visits own entries in insertion order.
func (o *Object) Each(fn func(key, val Value) bool) {
	for _, e := range o.entries {
		if !fn(e.key, e.val) {
			return
		}
	}
}

// chainVersion sums the versions along the prototype chain. Any mutation
// anywhere in the chain changes the sum, invalidating cached meta-methods.
func (o *Object) chainVersion() uint64 {
	var sum uint64
	for cur := o; cur != nil; cur = cur.proto {
		sum += cur.version
	}
	return sum
}

// metaLookup resolves an operator meta-method (__add, __eq, ...) through the
// prototype chain, with a per-object cache keyed by chain version so hot
// operator dispatch avoids repeated chain walks.
func (o *Object) metaLookup(name string) (Value, bool) {
	cv := o.chainVersion()
	if o.metaCache == nil || o.metaVersion != cv {
		o.metaCache = make(map[string]Value)
		o.metaVersion = cv
	}
	if v, ok := o.metaCache[name]; ok {
		return v, !v.IsUndefined()
	}
	v, found := o.Get(NewString(name))
	if !found || !v.IsFunction() {
		v = Undefined
	}
	o.metaCache[name] = v
	return v, !v.IsUndefined()
}
