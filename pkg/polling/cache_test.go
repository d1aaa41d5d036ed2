package polling

import "testing"

func TestHasChanged(t *testing.T) {
	type pair struct{ X, Y int }

	tests := []struct {
		name       string
		prev, next any
		want       bool
	}{
		{"both nil", nil, nil, false},
		{"typed nil slice vs nil", []int(nil), nil, false},
		{"nil vs value", nil, []int{}, true},
		{"value vs nil", map[string]any{}, nil, true},
		{"key order", map[string]any{"x": 1, "y": 2}, map[string]any{"y": 2, "x": 1}, false},
		{"struct vs map", pair{X: 1, Y: 2}, map[string]any{"Y": 2, "X": 1}, false},
		{"nested value", []any{map[string]any{"a": map[string]any{"b": 1}}}, []any{map[string]any{"a": map[string]any{"b": 2}}}, true},
		{"array order", []int{1, 2}, []int{2, 1}, true},
		{"unencodable", func() {}, func() {}, true},
		{"channel", make(chan int), make(chan int), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasChanged(tt.prev, tt.next); got != tt.want {
				t.Fatalf("HasChanged(%v, %v) = %v, want %v", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestCache_StoresDeepCopies(t *testing.T) {
	c := NewCache()

	orig := []map[string]any{{"id": 1.0, "name": "A"}}
	c.Set("k", orig)
	orig[0]["name"] = "mutated"

	got, ok := c.Get("k")
	if !ok {
		t.Fatalf("Get(k) missing")
	}
	list, ok := got.([]map[string]any)
	if !ok {
		t.Fatalf("Get(k) type = %T, want []map[string]any", got)
	}
	if list[0]["name"] != "A" {
		t.Fatalf("cached name = %v, want A", list[0]["name"])
	}

	list[0]["name"] = "changed by reader"
	again, _ := c.Get("k")
	if again.([]map[string]any)[0]["name"] != "A" {
		t.Fatalf("cache corrupted through Get result")
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("Get after Delete still present")
	}
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d", c.Len())
	}
}
