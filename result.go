package cercall

import "github.com/artwisz/cercall/codec"

// Result is the sum of Ok(T) and Err(*Error) a continuation is always
// invoked with. A zero Result is Ok of T's zero value; construct failures
// with ErrResult so Err is never nil by omission.
type Result[T any] struct {
	Value T
	Err   *Error
}

// OkResult wraps a successful value.
func OkResult[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// ErrResult wraps a failure. err must not be nil.
func ErrResult[T any](err *Error) Result[T] {
	return Result[T]{Err: err}
}

// IsOk reports whether the call succeeded.
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// Void is the result type for operations that return nothing but may
// still fail. Its wire encoding always omits the value field.
type Void = struct{}

func isVoidType[T any]() bool {
	var zero T
	_, ok := any(zero).(Void)
	return ok
}

// encodeResult serializes res as {func, error_code, error_message,
// has_value, value?} via enc.
func encodeResult[T any](enc codec.Encoder, funcName string, res Result[T]) ([]byte, error) {
	if res.Err != nil {
		return enc.EncodeResult(funcName, int(res.Err.Code), res.Err.Message, nil, false)
	}
	if isVoidType[T]() {
		return enc.EncodeResult(funcName, int(CodeOK), "", nil, false)
	}
	return enc.EncodeResult(funcName, int(CodeOK), "", res.Value, true)
}

// decodeResult reads a result envelope back into a Result[T]: the error
// code, error message, the has-value marker, and — iff the call succeeded
// and a value was written — the value itself.
func decodeResult[T any](cursor *codec.Cursor) (Result[T], error) {
	var code int
	if err := cursor.Next(&code); err != nil {
		return Result[T]{}, err
	}
	var message string
	if err := cursor.Next(&message); err != nil {
		return Result[T]{}, err
	}
	var hasValue bool
	if err := cursor.Next(&hasValue); err != nil {
		return Result[T]{}, err
	}
	if ErrorCode(code) != CodeOK {
		return ErrResult[T](newError(ErrorCode(code), message)), nil
	}
	if !hasValue {
		var zero T
		return OkResult(zero), nil
	}
	var value T
	if err := cursor.Next(&value); err != nil {
		return Result[T]{}, err
	}
	return OkResult(value), nil
}

// decodeArgs decodes a call's arguments into a single struct bundling an
// operation's positional parameters, keeping the generic Handler signature
// to one type parameter per side instead of a variadic one Go generics
// cannot express.
func decodeArgs[A any](cursor *codec.Cursor) (A, error) {
	var args A
	err := cursor.Next(&args)
	return args, err
}
