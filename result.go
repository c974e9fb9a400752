package customfit

// Result carries either a value or a categorized error through the
// fetch and transport layers. The zero value is a success holding the
// zero value of T.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok returns a successful Result holding value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Fail returns a failed Result holding err.
func Fail[T any](err *Error) Result[T] {
	return Result[T]{err: err}
}

// IsSuccess reports whether the Result holds a value.
func (r Result[T]) IsSuccess() bool {
	return r.err == nil
}

// Get returns the value and a non-nil error on failure.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		return r.value, r.err
	}
	return r.value, nil
}

// Err returns the categorized error, or nil on success.
func (r Result[T]) Err() *Error {
	return r.err
}

// GetOrDefault returns the value on success, def otherwise.
func (r Result[T]) GetOrDefault(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// OnSuccess invokes fn with the value when the Result is successful.
// Panics raised by fn are swallowed; hooks must not break the caller.
func (r Result[T]) OnSuccess(fn func(T)) Result[T] {
	if r.err == nil && fn != nil {
		func() {
			defer func() { _ = recover() }()
			fn(r.value)
		}()
	}
	return r
}

// OnError invokes fn with the error when the Result is a failure.
// Panics raised by fn are swallowed.
func (r Result[T]) OnError(fn func(*Error)) Result[T] {
	if r.err != nil && fn != nil {
		func() {
			defer func() { _ = recover() }()
			fn(r.err)
		}()
	}
	return r
}

// MapResult transforms the value of a successful Result.
func MapResult[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Fail[U](r.err)
	}
	return Ok(fn(r.value))
}

// FlatMapResult chains a Result-producing transformation.
func FlatMapResult[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Fail[U](r.err)
	}
	return fn(r.value)
}
