package battle

import (
	"reflect"
	"testing"
)

func TestExpandSplitShapes(t *testing.T) {
	cases := []struct {
		shape string
		size  int
		want  map[int]StartRect
	}{
		{"h", 10, map[int]StartRect{
			0: {0, 0, 200, 20},
			1: {0, 180, 200, 200},
		}},
		{"v", 25, map[int]StartRect{
			0: {0, 0, 50, 200},
			1: {150, 0, 200, 200},
		}},
		{"c1", 15, map[int]StartRect{
			0: {0, 0, 30, 30},
			1: {170, 170, 200, 200},
		}},
		{"c2", 15, map[int]StartRect{
			0: {170, 0, 200, 30},
			1: {0, 170, 30, 200},
		}},
		{"c", 10, map[int]StartRect{
			0: {0, 0, 20, 20},
			1: {180, 180, 200, 200},
			2: {180, 0, 200, 20},
			3: {0, 180, 20, 200},
		}},
		{"s", 10, map[int]StartRect{
			0: {0, 0, 20, 200},
			1: {180, 0, 200, 200},
			2: {20, 0, 180, 20},
			3: {20, 180, 180, 200},
		}},
	}
	for _, c := range cases {
		got, err := ExpandSplit(c.shape, c.size)
		if err != nil {
			t.Fatalf("ExpandSplit(%q, %d): %v", c.shape, c.size, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ExpandSplit(%q, %d) = %v, want %v", c.shape, c.size, got, c.want)
		}
	}
}

func TestExpandSplitBounds(t *testing.T) {
	if _, err := ExpandSplit("h", 0); err == nil {
		t.Error("size 0 must be rejected")
	}
	if _, err := ExpandSplit("h", 51); err == nil {
		t.Error("size 51 must be rejected")
	}
	if _, err := ExpandSplit("h", 50); err != nil {
		t.Errorf("size 50 is the inclusive maximum: %v", err)
	}
	if _, err := ExpandSplit("x", 10); err == nil {
		t.Error("unknown shape must be rejected")
	}
}

func TestParseRect(t *testing.T) {
	r, err := ParseRect([]string{"10", "20", "150", "180"})
	if err != nil {
		t.Fatal(err)
	}
	if r != (StartRect{10, 20, 150, 180}) {
		t.Errorf("got %v", r)
	}

	for _, bad := range [][]string{
		{"10", "20", "150"},            // arity
		{"10", "20", "150", "201"},     // out of range
		{"10", "20", "150", "x"},       // not a number
		{"150", "20", "10", "180"},     // left > right
		{"10", "180", "150", "20"},     // top > bottom
		{"-1", "20", "150", "180"},     // negative
		{"10", "20", "150", "180", ""}, // arity again
	} {
		if _, err := ParseRect(bad); err == nil {
			t.Errorf("ParseRect(%v) accepted invalid input", bad)
		}
	}
}
