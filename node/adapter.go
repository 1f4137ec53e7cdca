package node

// Adapter converts a value of type A into type B
type Adapter[A, B any] interface {
	Adapt(A) B
}

// AdapterFunc lets a plain function act as an Adapter
type AdapterFunc[A, B any] func(A) B

// Adapt calls f(a)
func (f AdapterFunc[A, B]) Adapt(a A) B { return f(a) }

type composed[A, B, C any] struct {
	first  Adapter[A, B]
	second Adapter[B, C]
}

func (c composed[A, B, C]) Adapt(a A) C {
	return c.second.Adapt(c.first.Adapt(a))
}

// Compose returns an adapter applying first then second
func Compose[A, B, C any](first Adapter[A, B], second Adapter[B, C]) Adapter[A, C] {
	return composed[A, B, C]{first: first, second: second}
}

// Identity returns an adapter that returns its input
func Identity[T any]() Adapter[T, T] {
	return AdapterFunc[T, T](func(t T) T { return t })
}
