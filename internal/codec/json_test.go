package codec

import (
	"bytes"
	"encoding/json"
	"testing"
)

func decodeNumber(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return v
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{`null`, nil},
		{`true`, true},
		{`"x"`, "x"},
		{`42`, int64(42)},
		{`-7`, int64(-7)},
		{`1.5`, 1.5},
		{`[1, "a", [false]]`, []any{int64(1), "a", []any{false}}},
		{`{"n": 2, "m": {"k": null}}`, map[string]any{"n": int64(2), "m": map[string]any{"k": nil}}},
		{`{"$array": {"dtype": "uint8", "shape": [2], "data": "AQI="}}`, MustFromSlice([]uint8{1, 2})},
	}
	for _, tt := range tests {
		got, err := FromJSON(decodeNumber(t, tt.in))
		if err != nil {
			t.Errorf("FromJSON(%s): %v", tt.in, err)
			continue
		}
		if !Equal(got, tt.want) {
			t.Errorf("FromJSON(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestFromJSONRejectsBadArrays(t *testing.T) {
	for _, in := range []string{
		`{"$array": {"dtype": "int128", "shape": [1], "data": "AQ=="}}`,
		`{"$array": {"dtype": "int32", "shape": [2], "data": "AQ=="}}`,
		`{"$array": {"dtype": "int32", "shape": [1], "data": 5}}`,
	} {
		if _, err := FromJSON(decodeNumber(t, in)); err == nil {
			t.Errorf("FromJSON(%s) succeeded", in)
		}
	}
}

func TestToJSONArray(t *testing.T) {
	v := ToJSON([]any{MustFromSlice([]int32{1}), map[string]any{"k": "v"}})
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"$array":{"dtype":"int32","shape":[1],"data":"AQAAAA=="}},{"k":"v"}]`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}
