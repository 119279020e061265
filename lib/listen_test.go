package lib

import "testing"

func TestParseListenAddr(t *testing.T) {
	testCases := []struct {
		spec     string
		expected string
		wantErr  bool
	}{
		{spec: "*", expected: "0.0.0.0:69"},
		{spec: "*:6969", expected: "0.0.0.0:6969"},
		{spec: "127.0.0.1:6969", expected: "127.0.0.1:6969"},
		{spec: "127.0.0.1", expected: "127.0.0.1:69"},
		{spec: "tftp://*:6969", expected: "0.0.0.0:6969"},
		{spec: "tftp://127.0.0.1", expected: "127.0.0.1:69"},
		{spec: "", wantErr: true},
		{spec: "tftp://", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseListenAddr(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected an error, got %q", tc.spec, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %s", tc.spec, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("%q: expected %q, got %q", tc.spec, tc.expected, got)
		}
	}
}
