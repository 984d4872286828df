package persistence

import (
	"encoding/json"
	"time"
)

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func marshalJSONNullable(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || string(raw) == "[]" {
		return nil, nil
	}

	return string(raw), nil
}

func unmarshalJSONSlice[T any](raw *string) []T {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}
