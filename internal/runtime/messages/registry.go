package messages

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
)

// Factory returns a fresh value to decode a body into. The value is a pointer
// so it can be passed to Serializer.Unmarshal.
type Factory func() any

// TypeRegistry maps wire type names to Go types so stored bodies can be
// decoded without the caller knowing the type.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: map[string]Factory{}}
}

// Register stores factory under name. Later registrations replace earlier
// ones.
func (r *TypeRegistry) Register(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Has reports whether name is known.
func (r *TypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists the registered type names, sorted.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh pointer for name.
func (r *TypeRegistry) New(name string) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageType, name)
	}
	return factory(), nil
}

// Decode decodes body into a fresh value of the type registered as name.
func (r *TypeRegistry) Decode(ser Serializer, name string, body []byte) (any, error) {
	v, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := ser.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("messages: decode %s: %w", name, err)
	}
	return v, nil
}

// RegisterType registers T under its wire type name and returns that name.
func RegisterType[T any](r *TypeRegistry) (string, error) {
	newT, err := Prototype[T]()
	if err != nil {
		return "", err
	}
	name := TypeName(newT())
	r.Register(name, func() any { return pointerTo(newT()) })
	return name, nil
}

// RegisterTypeAs registers T under name instead of its derived type name.
func RegisterTypeAs[T any](r *TypeRegistry, name string) error {
	if name == "" {
		return errspkg.ErrMessageTypeRequired
	}
	newT, err := Prototype[T]()
	if err != nil {
		return err
	}
	r.Register(name, func() any { return pointerTo(newT()) })
	return nil
}

// RegisterValue registers the type of v under name unless name is already
// known. It lets a process that produces a type decode it later without a
// compile-time type parameter.
func RegisterValue(r *TypeRegistry, name string, v any) {
	if name == "" || v == nil || r.Has(name) {
		return
	}
	typ := reflect.TypeOf(v)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	r.Register(name, func() any { return reflect.New(typ).Interface() })
}

// Prototype returns a constructor for fresh T values. Pointer types yield a
// newly allocated element; value types their zero value.
func Prototype[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return func() T {
			var v T
			return v
		}, nil
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// Decode decodes body into a fresh T.
func Decode[T any](ser Serializer, body []byte) (T, error) {
	newT, err := Prototype[T]()
	if err != nil {
		var zero T
		return zero, err
	}
	v := newT()
	if reflect.TypeOf(v).Kind() == reflect.Ptr {
		err = ser.Unmarshal(body, v)
	} else {
		err = ser.Unmarshal(body, &v)
	}
	return v, err
}

// pointerTo returns v when it is already a pointer, otherwise a pointer to a
// copy of v.
func pointerTo(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		return v
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p.Interface()
}
