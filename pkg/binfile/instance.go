package binfile

// Instance is a memoized slot for one field that lives at an offset computed
// from other fields. The zero value is unresolved. Each schema owns its
// instances, so their lifetime is the lifetime of the open file.
type Instance[T any] struct {
	done bool
	val  T
	err  error
}

// Resolved reports whether the instance has been computed.
func (in *Instance[T]) Resolved() bool {
	return in.done
}

// Get returns the memoized value, computing it with fn on first use.
// Failures caused by the file content are memoized too; transient storage
// errors are not, so a later call may retry the read.
func (in *Instance[T]) Get(fn func() (T, error)) (T, error) {
	if in.done {
		return in.val, in.err
	}
	v, err := fn()
	if err != nil && !permanent(err) {
		var zero T
		return zero, err
	}
	in.val, in.err, in.done = v, err, true
	return v, err
}

// Resolve locates and parses an instance on first use. locate computes the
// absolute offset from fields that are already parsed; parse decodes the
// value found there.
func Resolve[T any](r *Reader, in *Instance[T], locate func() (int64, error), parse func(r *Reader, off int64) (T, error)) (T, error) {
	return in.Get(func() (T, error) {
		off, err := locate()
		if err != nil {
			var zero T
			return zero, err
		}
		return parse(r, off)
	})
}

// Fixed is a parse function for Resolve that decodes a fixed-size value.
func Fixed[T any](r *Reader, off int64) (T, error) {
	return ReadFixed[T](r, off)
}
