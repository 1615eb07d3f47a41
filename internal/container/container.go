package container

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	ErrNoProvider        = errors.New("no provider found")
	ErrSelfProvider      = errors.New("the injector cannot be provided")
	ErrInvalidProvider   = errors.New("invalid provider")
	ErrUntypedCollection = errors.New("collection injection needs an element type")
	ErrSealed            = errors.New("registry is sealed")
)

// Priority orders declarations targeting the same type.
type Priority int

const (
	Lowest Priority = iota
	Low
	Normal
	High
	Highest
)

func (p Priority) String() string {
	switch p {
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Highest:
		return "highest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Injector is the public face of the Registry handed to Wirer implementations.
type Injector interface {
	Inject(name string, bindings ...Binding) error
}

// Wirer is implemented by components with dependencies.
type Wirer interface {
	Wire(in Injector) error
}

var injectorType = reflect.TypeFor[Injector]()

type descriptor struct {
	seq      int
	produced reflect.Type
	priority Priority
	lazy     bool
	factory  func() (any, error)
	noWire   bool

	once     sync.Once
	done     atomic.Bool
	wiring   atomic.Bool
	wireErr  atomic.Pointer[error]
	instance any
	err      error
}

// get materialises the descriptor once and wires the instance on the first
// successful call. A failed wiring is returned by every later call.
func (d *descriptor) get(r *Registry) (any, error) {
	d.once.Do(func() {
		d.instance, d.err = d.factory()
		if d.err == nil && d.instance == nil {
			d.err = fmt.Errorf("%w: factory for %s returned nil", ErrInvalidProvider, d.produced)
		}
		d.done.Store(true)
	})
	if d.err != nil {
		return nil, d.err
	}
	if !d.noWire && d.wiring.CompareAndSwap(false, true) {
		if w, ok := d.instance.(Wirer); ok {
			if err := w.Wire(r); err != nil {
				err = fmt.Errorf("wiring %s: %w", d.produced, err)
				d.wireErr.Store(&err)
				return nil, err
			}
		}
	}
	if err := d.wireErr.Load(); err != nil {
		return nil, *err
	}
	return d.instance, nil
}

type options struct {
	priority Priority
	lazy     bool
	as       []reflect.Type
}

type Option func(*options)

// WithPriority overrides the default Normal priority.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// Lazy defers the factory call until the bean is first used.
func Lazy() Option {
	return func(o *options) {
		o.lazy = true
	}
}

// As registers the declaration under the interface U as well. The produced
// type must implement U.
func As[U any]() Option {
	t := reflect.TypeFor[U]()
	return func(o *options) {
		o.as = append(o.as, t)
	}
}

// Registry holds declarations and the beans created from them.
type Registry struct {
	seq    int
	types  map[reflect.Type][]*descriptor
	sealed atomic.Bool
}

func New() *Registry {
	return &Registry{
		types: make(map[reflect.Type][]*descriptor),
	}
}

// Provide declares factory as a provider of T.
func Provide[T any](r *Registry, factory func() (T, error), opts ...Option) error {
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrInvalidProvider, reflect.TypeFor[T]())
	}
	return r.declare(reflect.TypeFor[T](), func() (any, error) {
		v, err := factory()
		if err != nil || isNil(v) {
			return nil, err
		}
		return v, nil
	}, false, opts)
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// ProvideValue declares an already built value of type T. The value is not
// wired by the registry, that is the job of whoever built it.
func ProvideValue[T any](r *Registry, value T, opts ...Option) error {
	return r.declare(reflect.TypeFor[T](), func() (any, error) {
		return value, nil
	}, true, opts)
}

// ProvideInstance declares v under its dynamic type, so consumers may depend
// on the concrete type (e.g. a plugin's struct pointer).
func ProvideInstance(r *Registry, v any, opts ...Option) error {
	if v == nil {
		return fmt.Errorf("%w: nil instance", ErrInvalidProvider)
	}
	return r.declare(reflect.TypeOf(v), func() (any, error) {
		return v, nil
	}, true, opts)
}

func (r *Registry) declare(produced reflect.Type, factory func() (any, error), noWire bool, opts []Option) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot declare %s", ErrSealed, produced)
	}
	o := options{priority: Normal}
	for _, opt := range opts {
		opt(&o)
	}

	types := append([]reflect.Type{produced}, o.as...)
	for _, t := range types {
		if t.Implements(injectorType) {
			return fmt.Errorf("%w: %s", ErrSelfProvider, t)
		}
	}
	for _, t := range o.as {
		if t == produced {
			continue
		}
		if t.Kind() != reflect.Interface || !produced.Implements(t) {
			return fmt.Errorf("%w: %s does not implement %s", ErrInvalidProvider, produced, t)
		}
	}

	r.seq++
	d := &descriptor{
		seq:      r.seq,
		produced: produced,
		priority: o.priority,
		lazy:     o.lazy,
		factory:  factory,
		noWire:   noWire,
	}
	for _, t := range types {
		list := r.types[t]
		if slices.Contains(list, d) {
			continue
		}
		list = append(list, d)
		slices.SortStableFunc(list, func(a, b *descriptor) int {
			return cmp.Compare(b.priority, a.priority)
		})
		r.types[t] = list
	}
	return nil
}

// ResolveEager seals the registry and materialises the primary bean of every
// type whose primary declaration is not lazy. The order in which types are
// visited is unspecified.
func (r *Registry) ResolveEager() error {
	r.sealed.Store(true)
	for t, list := range r.types {
		primary := list[0]
		if primary.lazy {
			continue
		}
		if _, err := primary.get(r); err != nil {
			return fmt.Errorf("initializing %s: %w", t, err)
		}
	}
	return nil
}

// Inject applies bindings in order, stopping at the first failure. name
// identifies the target in error messages.
func (r *Registry) Inject(name string, bindings ...Binding) error {
	r.sealed.Store(true)
	for _, b := range bindings {
		if b.bind == nil {
			return fmt.Errorf("injecting %s: %w: empty binding", name, ErrInvalidProvider)
		}
		if err := b.bind(r); err != nil {
			return fmt.Errorf("injecting %s.%s (%s): %w", name, b.name, b.typ, err)
		}
	}
	return nil
}

// AutoWire wires target if it implements Wirer and is a no-op otherwise.
func (r *Registry) AutoWire(target any) error {
	w, ok := target.(Wirer)
	if !ok {
		return nil
	}
	return w.Wire(r)
}

// Declared reports whether at least one declaration targets T.
func Declared[T any](r *Registry) bool {
	return len(r.types[reflect.TypeFor[T]()]) > 0
}

func (r *Registry) primary(t reflect.Type) (*descriptor, error) {
	list := r.types[t]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, t)
	}
	return list[0], nil
}

// Resolve returns the primary bean for T, materialising it if needed.
func Resolve[T any](r *Registry) (T, error) {
	var zero T
	r.sealed.Store(true)
	d, err := r.primary(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return value[T](r, d)
}

// ResolveAll returns every bean declared for T by descending priority.
func ResolveAll[T any](r *Registry) ([]T, error) {
	r.sealed.Store(true)
	list := r.types[reflect.TypeFor[T]()]
	out := make([]T, 0, len(list))
	seen := make(map[*descriptor]struct{}, len(list))
	for _, d := range list {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		v, err := value[T](r, d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ResolveDeferred returns a handle on the primary bean for T without
// materialising it.
func ResolveDeferred[T any](r *Registry) (*Deferred[T], error) {
	r.sealed.Store(true)
	d, err := r.primary(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return &Deferred[T]{r: r, d: d}, nil
}

func value[T any](r *Registry, d *descriptor) (T, error) {
	var zero T
	v, err := d.get(r)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T is not a %s", ErrInvalidProvider, v, reflect.TypeFor[T]())
	}
	return t, nil
}

// Deferred is a compute-once cell for a lazy bean. The factory runs on the
// first Get and every later Get returns the same instance.
type Deferred[T any] struct {
	r *Registry
	d *descriptor
}

func (l *Deferred[T]) Get() (T, error) {
	return value[T](l.r, l.d)
}

// MustGet is Get for callers that already resolved the bean once at startup.
func (l *Deferred[T]) MustGet() T {
	v, err := l.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Materialized reports whether the factory has run.
func (l *Deferred[T]) Materialized() bool {
	return l.d.done.Load()
}

// Binding assigns a resolved bean to a destination owned by the wired
// component.
type Binding struct {
	name string
	typ  reflect.Type
	bind func(r *Registry) error
}

// Bind injects the primary bean for T into dst.
func Bind[T any](name string, dst *T) Binding {
	return Binding{
		name: name,
		typ:  reflect.TypeFor[T](),
		bind: func(r *Registry) error {
			v, err := Resolve[T](r)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		},
	}
}

// BindAll injects every bean for T into dst. T must not be the empty
// interface.
func BindAll[T any](name string, dst *[]T) Binding {
	typ := reflect.TypeFor[T]()
	return Binding{
		name: name,
		typ:  reflect.SliceOf(typ),
		bind: func(r *Registry) error {
			if typ.Kind() == reflect.Interface && typ.NumMethod() == 0 {
				return ErrUntypedCollection
			}
			v, err := ResolveAll[T](r)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		},
	}
}

// BindDeferred injects a handle on the primary bean for T into dst.
func BindDeferred[T any](name string, dst **Deferred[T]) Binding {
	return Binding{
		name: name,
		typ:  reflect.TypeFor[*Deferred[T]](),
		bind: func(r *Registry) error {
			v, err := ResolveDeferred[T](r)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		},
	}
}
