package balance

import (
	"math"
	"math/rand"
	"sort"
)

// Color is an RGB triple in 0..255.
type Color struct {
	R, G, B uint8
}

// ColorDistance is the perceptual weighted squared distance between two
// colors. Symmetric and non-negative.
func ColorDistance(a, b Color) int {
	mR := (int(a.R) + int(b.R)) / 2
	dR := int(a.R) - int(b.R)
	dG := int(a.G) - int(b.G)
	dB := int(a.B) - int(b.B)
	return ((512+mR)*dR*dR)>>8 + 4*dG*dG + ((767-mR)*dB*dB)>>8
}

// basePalette is 14 hues, each in three (saturation, value) variations,
// plus grays: the candidate pool for threshold-based assignment.
var basePalette = buildBasePalette()

func buildBasePalette() []Color {
	hues := []float64{0, 25, 50, 75, 105, 130, 155, 180, 205, 230, 255, 280, 305, 330}
	variants := []struct{ s, v float64 }{
		{1.0, 1.0},
		{1.0, 0.6},
		{0.45, 1.0},
	}
	var out []Color
	for _, h := range hues {
		for _, sv := range variants {
			out = append(out, hsv(h, sv.s, sv.v))
		}
	}
	out = append(out,
		Color{255, 255, 255},
		Color{160, 160, 160},
		Color{80, 80, 80},
	)
	return out
}

func hsv(h, s, v float64) Color {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return Color{uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)}
}

// AssignColors produces a color per id. sensitivity > 0 selects greedily
// from the base palette, maximising the minimum distance to already
// assigned colors as long as it stays above the threshold, falling back to
// the best of 10 seeded random draws; sensitivity == -1 uses the curated
// per-game-type palettes.
//
// ids must be the distinct id numbers in play, gameType one of Duel, Team,
// FFA, TeamFFA. The result maps id -> color and is deterministic for a
// given seed.
func AssignColors(ids []int, gameType string, sensitivity int, seed int64) map[int]Color {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	out := make(map[int]Color, len(sorted))
	if len(sorted) == 0 {
		return out
	}
	if sensitivity == -1 {
		pal := curatedPalette(gameType, len(sorted))
		for i, id := range sorted {
			out[id] = pal[i%len(pal)]
		}
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	var assigned []Color
	for _, id := range sorted {
		c, ok := pickGreedy(assigned, sensitivity)
		if !ok {
			c = pickRandom(assigned, rng)
		}
		assigned = append(assigned, c)
		out[id] = c
	}
	return out
}

func minDistance(c Color, assigned []Color) int {
	best := math.MaxInt
	for _, a := range assigned {
		if d := ColorDistance(c, a); d < best {
			best = d
		}
	}
	return best
}

func pickGreedy(assigned []Color, threshold int) (Color, bool) {
	var best Color
	bestD := -1
	for _, c := range basePalette {
		d := minDistance(c, assigned)
		if d > bestD {
			best, bestD = c, d
		}
	}
	if len(assigned) == 0 || bestD >= threshold {
		return best, true
	}
	return Color{}, false
}

func pickRandom(assigned []Color, rng *rand.Rand) Color {
	var best Color
	bestD := -1
	for i := 0; i < 10; i++ {
		c := Color{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))}
		d := minDistance(c, assigned)
		if d > bestD {
			best, bestD = c, d
		}
	}
	return best
}

// Curated palettes, hand-tuned per game type. Duel keeps the classic
// blue/red pair; team games use strongly separated hues; FFA extends to 16
// distinguishable entries.
var (
	duelPalette = []Color{
		{0, 80, 255},
		{255, 32, 0},
	}
	teamPalette = []Color{
		{0, 80, 255},
		{255, 32, 0},
		{12, 180, 0},
		{255, 224, 0},
		{160, 0, 200},
		{0, 208, 208},
		{255, 128, 0},
		{255, 96, 160},
	}
	ffaPalette = []Color{
		{0, 80, 255},
		{255, 32, 0},
		{12, 180, 0},
		{255, 224, 0},
		{160, 0, 200},
		{0, 208, 208},
		{255, 128, 0},
		{255, 96, 160},
		{0, 32, 128},
		{128, 0, 0},
		{0, 96, 0},
		{160, 160, 0},
		{80, 0, 112},
		{0, 112, 112},
		{160, 64, 0},
		{224, 224, 224},
	}
)

func curatedPalette(gameType string, n int) []Color {
	switch gameType {
	case "Duel":
		if n <= len(duelPalette) {
			return duelPalette
		}
		return teamPalette
	case "Team", "TeamFFA":
		if n <= len(teamPalette) {
			return teamPalette
		}
		return ffaPalette
	default: // FFA
		return ffaPalette
	}
}
