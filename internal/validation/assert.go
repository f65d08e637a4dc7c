// Package validation provides helpers for contract enforcement in
// constructors.
package validation

import (
	"fmt"
	"reflect"
)

// MustNotBeNil panics if dep is nil, including a typed nil pointer stored in
// an interface. It is meant for constructors whose dependencies are
// mandatory; a nil there is a programmer error, not a runtime condition.
//
// Usage:
//
//	validation.MustNotBeNil("store", "database pool", db)
func MustNotBeNil(component, name string, dep any) {
	if isNil(dep) {
		panic(fmt.Sprintf("%s: %s cannot be nil", component, name))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
