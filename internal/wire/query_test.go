package wire

import (
	"reflect"
	"testing"
)

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		in, path, query string
	}{
		{"/path?x=1&y=2", "/path", "x=1&y=2"},
		{"/plain", "/plain", ""},
		{"/empty?", "/empty", ""},
	}
	for _, tc := range cases {
		path, query := SplitTarget(tc.in)
		if path != tc.path || query != tc.query {
			t.Fatalf("SplitTarget(%q) = (%q,%q), want (%q,%q)", tc.in, path, query, tc.path, tc.query)
		}
	}
}

func TestParseQuery(t *testing.T) {
	got := ParseQuery("a=1&b=2&c")
	want := map[string]string{"a": "1", "b": "2", "c": ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseQuery = %v, want %v", got, want)
	}
	if empty := ParseQuery(""); len(empty) != 0 {
		t.Fatalf("expected empty map, got %v", empty)
	}
}
