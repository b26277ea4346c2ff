// Package predicate implements a small composable boolean algebra over a
// connection's session attributes. It is used both for RPC access control
// and for channel/broadcast delivery filtering.
//
// Grounded on the original project's RPC_Predicate protocol
// (webshocket/typing.py) and its usage in webshocket.Is(...) predicates
// (webshocket/tests/test_handler.py), generalized here into a sum-type
// representation per spec.md's design notes rather than a class hierarchy.
package predicate

// AttrReader is anything a predicate can be evaluated against: a
// read-only view over a connection's session attributes. A missing
// attribute must be reported via the ok=false return, never a panic.
type AttrReader interface {
	Attr(name string) (value any, ok bool)
}

// Predicate is a pure function of an AttrReader's current attributes. It
// must never mutate the reader it is evaluating.
type Predicate interface {
	Eval(r AttrReader) bool
}

type isPredicate struct{ attr string }

func (p isPredicate) Eval(r AttrReader) bool {
	v, ok := r.Attr(p.attr)
	if !ok {
		return false
	}
	return truthy(v)
}

// Is reports whether the named attribute is present and truthy.
func Is(attr string) Predicate { return isPredicate{attr: attr} }

type hasPredicate struct{ attr string }

func (p hasPredicate) Eval(r AttrReader) bool {
	_, ok := r.Attr(p.attr)
	return ok
}

// Has reports whether the named attribute exists on the connection,
// regardless of its value.
func Has(attr string) Predicate { return hasPredicate{attr: attr} }

type equalPredicate struct {
	attr  string
	value any
}

func (p equalPredicate) Eval(r AttrReader) bool {
	v, ok := r.Attr(p.attr)
	if !ok {
		return false
	}
	return v == p.value
}

// IsEqual reports whether the named attribute equals value.
func IsEqual(attr string, value any) Predicate {
	return equalPredicate{attr: attr, value: value}
}

type anyPredicate struct{ ps []Predicate }

func (p anyPredicate) Eval(r AttrReader) bool {
	for _, sub := range p.ps {
		if sub.Eval(r) {
			return true
		}
	}
	return false
}

// Any is true if any of ps evaluates to true (short-circuiting).
// Any() with no arguments is false.
func Any(ps ...Predicate) Predicate { return anyPredicate{ps: ps} }

type allPredicate struct{ ps []Predicate }

func (p allPredicate) Eval(r AttrReader) bool {
	for _, sub := range p.ps {
		if !sub.Eval(r) {
			return false
		}
	}
	return true
}

// All is true only if every one of ps evaluates to true (short-circuiting).
// All() with no arguments is true.
func All(ps ...Predicate) Predicate { return allPredicate{ps: ps} }

type notPredicate struct{ p Predicate }

func (p notPredicate) Eval(r AttrReader) bool { return !p.p.Eval(r) }

// Not negates p.
func Not(p Predicate) Predicate { return notPredicate{p: p} }

// truthy mirrors the duck-typed truthiness the original Python
// implementation relies on (webshocket.Is checks `conn[attr]` directly):
// nil, false, "", a zero int/int32/int64/float32/float64, and an empty
// []any or map[string]any are falsy. Every other value is truthy,
// including zero values and empty collections of any other type.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
