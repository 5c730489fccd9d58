// Package stdx holds tiny standard-library-adjacent helpers.
package stdx

// Must1 returns v, panicking if err is not nil. Use it for errors that
// indicate a programming mistake rather than a runtime condition.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
