package utils

import (
	"encoding/json"
)

// RawItems marshals every element so it can travel as json.RawMessage.
func RawItems[T any](items []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
