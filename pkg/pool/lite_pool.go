// Package pool wraps sync.Pool with type parameters so hot paths can reuse
// scratch objects (readers, buffers) without interface{} assertions at the
// call site.
package pool

import (
	"reflect"
	"sync"
)

// Resettable values are zeroed by Put before returning to the pool.
type Resettable interface {
	Reset()
}

// Pool is a typed object pool. The zero value is not usable; construct with
// NewLitePool.
type Pool[T any] struct {
	inner sync.Pool
}

// NewLitePool builds a pool around newFn. newFn must return a usable,
// non-nil value; this is checked once up front so a broken constructor
// fails at wiring time rather than deep inside a Get.
func NewLitePool[T any](newFn func() T) *Pool[T] {
	if newFn == nil {
		panic("litepool: nil constructor")
	}
	if probe := reflect.ValueOf(any(newFn())); !probe.IsValid() || (probe.Kind() == reflect.Pointer && probe.IsNil()) {
		panic("litepool: constructor returned nil")
	}

	p := &Pool[T]{}
	p.inner.New = func() any { return newFn() }
	return p
}

// Get returns a pooled value, constructing one if the pool is empty.
func (p *Pool[T]) Get() T {
	return p.inner.Get().(T)
}

// Put returns v to the pool, calling Reset first when T implements
// Resettable.
func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.inner.Put(v)
}
