package toolbridge

import "github.com/fxamacker/cbor/v2"

func wireDecodeCBOR(data []byte, dst interface{}) {
	cbor.Unmarshal(data, dst)
}

func str(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func strSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		if s, ok := args[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringListArg(args map[string]interface{}, key string) []string {
	return strSlice(args, key)
}

// intArg tolerates every numeric shape an argument arrives in: native ints
// from in-process callers, int64/uint64 from the cbor wire decode, float64
// from JSON-built argument maps.
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatArg(args map[string]interface{}, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}
