package toolbridge

import (
	"reflect"
	"testing"
)

func TestStrSliceHandlesBothEncodings(t *testing.T) {
	cases := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"interface slice", map[string]interface{}{"tags": []interface{}{"a", "b"}}, []string{"a", "b"}},
		{"string slice", map[string]interface{}{"tags": []string{"a", "b"}}, []string{"a", "b"}},
		{"missing", map[string]interface{}{}, nil},
		{"mixed types skip non-strings", map[string]interface{}{"tags": []interface{}{"a", 1, "b"}}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := strSlice(tc.args, "tags"); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIntArgAcceptsNumericTypes(t *testing.T) {
	if got := intArg(map[string]interface{}{"n": 5}, "n", 9); got != 5 {
		t.Fatalf("int: got %d", got)
	}
	if got := intArg(map[string]interface{}{"n": int64(5)}, "n", 9); got != 5 {
		t.Fatalf("int64: got %d", got)
	}
	if got := intArg(map[string]interface{}{"n": uint64(5)}, "n", 9); got != 5 {
		t.Fatalf("uint64: got %d", got)
	}
	if got := intArg(map[string]interface{}{"n": 5.0}, "n", 9); got != 5 {
		t.Fatalf("float64: got %d", got)
	}
	if got := intArg(map[string]interface{}{}, "n", 9); got != 9 {
		t.Fatalf("default: got %d", got)
	}
}

func TestFloatArgDefault(t *testing.T) {
	if got := floatArg(map[string]interface{}{"ratio": 0.25}, "ratio", 0.5); got != 0.25 {
		t.Fatalf("got %f", got)
	}
	if got := floatArg(map[string]interface{}{}, "ratio", 0.5); got != 0.5 {
		t.Fatalf("default: got %f", got)
	}
}
