package testkit

import "context"

// Txn is a deferred database operation producing a T. A Txn is a pure
// value: building one runs nothing, composing them builds a bigger value,
// and only Execute touches the database. Compose with AndThen, Then,
// OrElse, and Setup.
type Txn[T any] interface {
	Execute(ctx context.Context, tc *TestContext) (T, error)
}

// TxnFunc adapts a function to the Txn interface.
type TxnFunc[T any] func(ctx context.Context, tc *TestContext) (T, error)

// Execute calls f.
func (f TxnFunc[T]) Execute(ctx context.Context, tc *TestContext) (T, error) {
	return f(ctx, tc)
}

// Ok returns a Txn that always succeeds with item.
func Ok[T any](item T) Txn[T] {
	return okTxn[T]{item: item}
}

type okTxn[T any] struct {
	item T
}

func (t okTxn[T]) Execute(context.Context, *TestContext) (T, error) {
	return t.item, nil
}

// Err returns a Txn that always fails with err.
func Err[T any](err error) Txn[T] {
	return errTxn[T]{err: err}
}

type errTxn[T any] struct {
	err error
}

func (t errTxn[T]) Execute(context.Context, *TestContext) (T, error) {
	var zero T
	return zero, t.err
}

// Result lifts an eager (item, err) pair into a Txn.
func Result[T any](item T, err error) Txn[T] {
	return resultTxn[T]{item: item, err: err}
}

type resultTxn[T any] struct {
	item T
	err  error
}

func (t resultTxn[T]) Execute(context.Context, *TestContext) (T, error) {
	return t.item, t.err
}

// WithContext defers a function of the test context.
func WithContext[T any](f func(ctx context.Context, tc *TestContext) (T, error)) Txn[T] {
	return TxnFunc[T](f)
}

// AndThen runs first; on success it feeds the item to next and runs the
// returned Txn. A failure in first short-circuits and next is never
// called.
func AndThen[A, B any](first Txn[A], next func(A) Txn[B]) Txn[B] {
	return andThenTxn[A, B]{first: first, next: next}
}

type andThenTxn[A, B any] struct {
	first Txn[A]
	next  func(A) Txn[B]
}

func (t andThenTxn[A, B]) Execute(ctx context.Context, tc *TestContext) (B, error) {
	item, err := t.first.Execute(ctx, tc)
	if err != nil {
		var zero B
		return zero, err
	}
	return t.next(item).Execute(ctx, tc)
}

// Then runs first and feeds its full outcome — item and error — to next,
// which chooses the continuation either way. Unlike AndThen, a failure in
// first is observable by next rather than short-circuiting.
func Then[A, B any](first Txn[A], next func(A, error) Txn[B]) Txn[B] {
	return thenTxn[A, B]{first: first, next: next}
}

type thenTxn[A, B any] struct {
	first Txn[A]
	next  func(A, error) Txn[B]
}

func (t thenTxn[A, B]) Execute(ctx context.Context, tc *TestContext) (B, error) {
	item, err := t.first.Execute(ctx, tc)
	return t.next(item, err).Execute(ctx, tc)
}

// OrElse runs primary; on failure it feeds the error to alt and runs the
// alternative. A success in primary skips alt entirely.
func OrElse[T any](primary Txn[T], alt func(error) Txn[T]) Txn[T] {
	return orElseTxn[T]{primary: primary, alt: alt}
}

type orElseTxn[T any] struct {
	primary Txn[T]
	alt     func(error) Txn[T]
}

func (t orElseTxn[T]) Execute(ctx context.Context, tc *TestContext) (T, error) {
	item, err := t.primary.Execute(ctx, tc)
	if err == nil {
		return item, nil
	}
	return t.alt(err).Execute(ctx, tc)
}

// Setup is Then under a name that reads better at the front of a
// pipeline: run the seeding step, then decide what to run next.
func Setup[A, B any](first Txn[A], next func(A, error) Txn[B]) Txn[B] {
	return Then(first, next)
}
