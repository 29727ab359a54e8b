package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatDocumentNumber renders prefix + zero padded number, e.g. ("TCK", 7, 6) => "TCK000007".
func FormatDocumentNumber(prefix string, number int64, padding int) string {
	if padding <= 0 {
		return prefix + strconv.FormatInt(number, 10)
	}
	return fmt.Sprintf("%s%0*d", prefix, padding, number)
}

// NumericSuffix returns the number that follows prefix in value.
// ok is false when value does not start with prefix or the remainder is not numeric.
func NumericSuffix(value string, prefix string) (n int64, ok bool) {
	if !strings.HasPrefix(value, prefix) {
		return 0, false
	}
	rest := strings.TrimSpace(value[len(prefix):])
	if rest == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
