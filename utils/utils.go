package utils

func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

func MustWithoutOutput(err error) {
	if err != nil {
		panic(err)
	}
}

func ToPtr[T any](v T) *T {
	return &v
}

func Min(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

// ClampPositive caps value at max when max is positive; a non-positive max
// means no cap.
func ClampPositive(value int, max int) int {
	if max > 0 && value > max {
		return max
	}
	return value
}

// Truncate cuts a string to at most limit bytes. Used to bound logged
// request excerpts.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
