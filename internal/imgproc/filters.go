package imgproc

import (
	"fmt"
	"math"
)

const (
	DefaultBlurLevel        = 16
	DefaultRotations        = 1
	DefaultSegmentThreshold = 128
)

type Direction string

const (
	Horizontal Direction = "horizontal"
	Vertical   Direction = "vertical"
)

// Rand is the random source used for noise injection. *math/rand/v2.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

const blurEpsilon = 1e-9

// Blur replaces the grid with the floor of the mean of every level x level window.
// The result is (H-level+1) x (W-level+1).
func (img *Image) Blur(level int) error {
	if level <= 0 {
		return fmt.Errorf("%w: blur level must be positive, got %d", ErrValidation, level)
	}
	height, width := img.Height(), img.Width()
	if level > height || level > width {
		return fmt.Errorf("%w: blur level %d exceeds image size %dx%d", ErrValidation, level, height, width)
	}

	// Summed-area table, one extra row and column of zeros.
	sums := make([][]float64, height+1)
	sums[0] = make([]float64, width+1)
	for i := 0; i < height; i++ {
		sums[i+1] = make([]float64, width+1)
		for j := 0; j < width; j++ {
			sums[i+1][j+1] = img.Grid[i][j] + sums[i][j+1] + sums[i+1][j] - sums[i][j]
		}
	}

	area := float64(level * level)
	out := make(Grid, height-level+1)
	for i := range out {
		row := make([]float64, width-level+1)
		for j := range row {
			total := sums[i+level][j+level] - sums[i][j+level] - sums[i+level][j] + sums[i][j]
			// Table differences carry rounding error, so a window whose exact
			// mean is an integer can land a hair below it. 1e-9 is far under the
			// spacing of decoded intensities, so it only undoes that drift.
			row[j] = math.Floor(total/area + blurEpsilon)
		}
		out[i] = row
	}

	img.Grid = out
	return nil
}

// Contour replaces each row with the absolute difference of every cell and its left neighbour.
func (img *Image) Contour() error {
	if img.Width() < 2 {
		return fmt.Errorf("%w: contour needs an image at least 2 pixels wide", ErrValidation)
	}

	out := make(Grid, img.Height())
	for i, row := range img.Grid {
		diff := make([]float64, len(row)-1)
		for j := 1; j < len(row); j++ {
			diff[j-1] = math.Abs(row[j] - row[j-1])
		}
		out[i] = diff
	}

	img.Grid = out
	return nil
}

// Rotate turns the image 90 degrees clockwise times times.
func (img *Image) Rotate(times int) error {
	if times <= 0 {
		return fmt.Errorf("%w: rotation count must be positive, got %d", ErrValidation, times)
	}
	for n := 0; n < times%4; n++ {
		img.Grid = rotateClockwise(img.Grid)
	}
	return nil
}

func rotateClockwise(g Grid) Grid {
	height, width := g.Height(), g.Width()
	out := make(Grid, width)
	for j := 0; j < width; j++ {
		row := make([]float64, height)
		for i := 0; i < height; i++ {
			row[height-1-i] = g[i][j]
		}
		out[j] = row
	}
	return out
}

// Segment thresholds every cell to 255 (above threshold) or 0.
func (img *Image) Segment(threshold int) error {
	if threshold < 0 || threshold > 255 {
		return fmt.Errorf("%w: segment threshold must be within 0-255, got %d", ErrValidation, threshold)
	}

	limit := float64(threshold)
	for _, row := range img.Grid {
		for j, v := range row {
			if v > limit {
				row[j] = 255
			} else {
				row[j] = 0
			}
		}
	}
	return nil
}

// SaltAndPepper sets round(H*W*salt) random cells to 255 and then round(H*W*pepper) random
// cells to 0. Cells are drawn with replacement.
func (img *Image) SaltAndPepper(rng Rand, salt, pepper float64) error {
	if rng == nil {
		return fmt.Errorf("%w: salt and pepper needs a random source", ErrValidation)
	}
	if !isProbability(salt) || !isProbability(pepper) {
		return fmt.Errorf("%w: salt and pepper probabilities must be within 0-1, got %v and %v", ErrValidation, salt, pepper)
	}

	height, width := img.Height(), img.Width()
	cells := float64(height * width)

	scatter := func(count int, value float64) {
		for n := 0; n < count; n++ {
			y := rng.IntN(height)
			x := rng.IntN(width)
			img.Grid[y][x] = value
		}
	}
	scatter(int(math.Round(cells*salt)), 255)
	scatter(int(math.Round(cells*pepper)), 0)
	return nil
}

func isProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

// Concat appends other to img. Mismatched heights (horizontal) or widths (vertical) are
// truncated to the smaller one. other is left untouched.
func (img *Image) Concat(other *Image, direction Direction) error {
	if other == nil {
		return fmt.Errorf("%w: concat needs a second image", ErrValidation)
	}

	switch direction {
	case Horizontal:
		height := min(img.Height(), other.Height())
		out := make(Grid, height)
		for i := 0; i < height; i++ {
			row := make([]float64, 0, len(img.Grid[i])+len(other.Grid[i]))
			row = append(row, img.Grid[i]...)
			row = append(row, other.Grid[i]...)
			out[i] = row
		}
		img.Grid = out
	case Vertical:
		width := min(img.Width(), other.Width())
		out := make(Grid, 0, img.Height()+other.Height())
		for _, src := range []Grid{img.Grid, other.Grid} {
			for _, row := range src {
				out = append(out, append([]float64(nil), row[:width]...))
			}
		}
		img.Grid = out
	default:
		return fmt.Errorf("%w: concat direction must be horizontal or vertical, got %q", ErrValidation, direction)
	}
	return nil
}

// ParseDirection accepts "horizontal" and "vertical"; empty means horizontal.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Horizontal:
		return Horizontal, nil
	case Vertical:
		return Vertical, nil
	default:
		return "", fmt.Errorf("%w: unknown concat direction %q", ErrValidation, s)
	}
}
