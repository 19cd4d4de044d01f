package worker

import (
	"context"
	"strings"
	"testing"
)

func TestCalculator(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2+3", "5"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"-3 + 5", "2"},
		{"2 * -3", "-6"},
		{"1.5 + 2.25", "3.75"},
		{"((1+2)*(3+4))", "21"},
	}

	calc := Calculator{}
	for _, tc := range cases {
		got, err := calc.Call(context.Background(), map[string]any{"expression": tc.expr})
		if err != nil {
			t.Errorf("%q: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q = %q, want %q", tc.expr, got, tc.want)
		}
	}
}

func TestCalculatorErrors(t *testing.T) {
	calc := Calculator{}
	bad := []string{"", "2+", "(2+3", "2 + * 3", "abc", "1/0", "2 3"}
	for _, expr := range bad {
		if _, err := calc.Call(context.Background(), map[string]any{"expression": expr}); err == nil {
			t.Errorf("%q should fail", expr)
		}
	}

	if _, err := calc.Call(context.Background(), map[string]any{}); err == nil {
		t.Error("missing expression should fail")
	}
}

func TestEcho(t *testing.T) {
	got, err := Echo{}.Call(context.Background(), map[string]any{"text": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("got %q", got)
	}

	if _, err := (Echo{}).Call(context.Background(), map[string]any{}); err == nil {
		t.Error("missing text should fail")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultTools()...)

	if _, ok := r.Get("calculator"); !ok {
		t.Error("calculator should be registered")
	}
	if _, ok := r.Get("launch_missiles"); ok {
		t.Error("unknown tool should not resolve")
	}
	names := strings.Join(r.Names(), ",")
	if !strings.Contains(names, "echo") {
		t.Errorf("names = %s", names)
	}
}
