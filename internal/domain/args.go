package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/spf13/cast"
)

// coerce converts a raw argument to the Go type of its kind.
// Booleans and strings are rejected even when cast could parse them.
func coerce(kind ParamKind, v any) (any, error) {
	switch x := v.(type) {
	case bool, string, []byte:
		return nil, fmt.Errorf("%T is not numeric", v)
	case json.Number:
		if kind == KindInt {
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%s is not a number", x)
		}
		if kind == KindNumber {
			return finite(f)
		}
		// Integral spellings such as "100.0" or "1e2" bind like float64(100).
		v = f
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, err
	}
	if _, err := finite(f); err != nil {
		return nil, err
	}

	switch kind {
	case KindInt:
		if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return cast.ToInt64E(v)
	case KindNumber:
		return f, nil
	}
	return nil, fmt.Errorf("unknown parameter kind %q", kind)
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not a finite number", f)
	}
	return f, nil
}
