// Package typekey derives the string that identifies a message type on the
// wire. Keys are stable across restarts as long as the Go type keeps its
// package path and name, or pins its key with Keyed.
package typekey

import "reflect"

// Keyed lets a message type pin its wire key independently of its Go name.
type Keyed interface {
	TypeKey() string
}

var keyedType = reflect.TypeOf((*Keyed)(nil)).Elem()

func Of[T any]() string {
	return ForType(reflect.TypeOf((*T)(nil)).Elem())
}

func ForValue(v any) string {
	if k, ok := v.(Keyed); ok {
		return k.TypeKey()
	}
	return ForType(reflect.TypeOf(v))
}

// ForType returns the key for t. Pointer types share the key of their
// element type.
func ForType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if key, ok := pinnedKey(t); ok {
		return key
	}

	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func pinnedKey(t reflect.Type) (string, bool) {
	var v reflect.Value
	switch {
	case t.Implements(keyedType):
		v = reflect.Zero(t)
	case reflect.PointerTo(t).Implements(keyedType):
		v = reflect.New(t)
	default:
		return "", false
	}
	return v.Interface().(Keyed).TypeKey(), true
}
