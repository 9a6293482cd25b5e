// Package battle implements the hosted battle room: membership, bots,
// start rectangles, script tags and the periodic policy enforcement loops.
package battle

import (
	"fmt"
	"strconv"
)

// StartRect is an allyteam start area in 0..200 map coordinates.
type StartRect struct {
	Left, Top, Right, Bottom int
}

// ExpandSplit turns a split shorthand into per-allyteam start rects. shape
// is one of h, v, c1, c2, c, s; size is the edge size in 1..50 (the strip
// thickness is 2*size). The result maps allyteam number to rect.
func ExpandSplit(shape string, size int) (map[int]StartRect, error) {
	if size < 1 || size > 50 {
		return nil, fmt.Errorf("invalid split size %d (1..50)", size)
	}
	t := 2 * size
	switch shape {
	case "h":
		return map[int]StartRect{
			0: {0, 0, 200, t},
			1: {0, 200 - t, 200, 200},
		}, nil
	case "v":
		return map[int]StartRect{
			0: {0, 0, t, 200},
			1: {200 - t, 0, 200, 200},
		}, nil
	case "c1":
		return map[int]StartRect{
			0: {0, 0, t, t},
			1: {200 - t, 200 - t, 200, 200},
		}, nil
	case "c2":
		return map[int]StartRect{
			0: {200 - t, 0, 200, t},
			1: {0, 200 - t, t, 200},
		}, nil
	case "c":
		return map[int]StartRect{
			0: {0, 0, t, t},
			1: {200 - t, 200 - t, 200, 200},
			2: {200 - t, 0, 200, t},
			3: {0, 200 - t, t, 200},
		}, nil
	case "s":
		return map[int]StartRect{
			0: {0, 0, t, 200},
			1: {200 - t, 0, 200, 200},
			2: {t, 0, 200 - t, t},
			3: {t, 200 - t, 200 - t, 200},
		}, nil
	}
	return nil, fmt.Errorf("unknown split shape %q", shape)
}

// ParseRect validates an explicit numeric rect: left<=right, top<=bottom,
// all coordinates in 0..200.
func ParseRect(args []string) (StartRect, error) {
	if len(args) != 4 {
		return StartRect{}, fmt.Errorf("expected 4 coordinates, got %d", len(args))
	}
	vals := make([]int, 4)
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 || n > 200 {
			return StartRect{}, fmt.Errorf("invalid coordinate %q (0..200)", a)
		}
		vals[i] = n
	}
	r := StartRect{vals[0], vals[1], vals[2], vals[3]}
	if r.Left > r.Right || r.Top > r.Bottom {
		return StartRect{}, fmt.Errorf("degenerate rect %v", vals)
	}
	return r, nil
}
