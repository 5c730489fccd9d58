// Package registry provides a generic concurrent registry keyed by
// string ids. Operations on different ids never contend on a shared
// lock, which keeps unrelated conversations independent.
package registry

import "github.com/alphadose/haxmap"

type Registry[T any] interface {
	Get(id string) (T, bool)
	Set(id string, value T)
	GetOrAdd(id string, value func() T) (T, bool)
	Del(id string)
	Len() int
	ForEach(fn func(id string, value T) bool)
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(id string) (T, bool) {
	return r.values.Get(id)
}

func (r *registry[T]) Set(id string, value T) {
	r.values.Set(id, value)
}

func (r *registry[T]) GetOrAdd(id string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(id, valueFn)
}

func (r *registry[T]) Del(id string) {
	r.values.Del(id)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

func (r *registry[T]) ForEach(fn func(id string, value T) bool) {
	r.values.ForEach(fn)
}
