// Package imgproc implements the grayscale grid filters applied to chat photos.
package imgproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode     = errors.New("decode image")
	ErrValidation = errors.New("invalid filter parameter")
)

// Grid is a rectangular matrix of grayscale intensities indexed [row][column].
type Grid [][]float64

func (g Grid) Height() int {
	return len(g)
}

func (g Grid) Width() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

func (g Grid) Clone() Grid {
	out := make(Grid, len(g))
	for i, row := range g {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// NewGrid returns a height x width grid with every cell set to fill.
func NewGrid(height, width int, fill float64) Grid {
	g := make(Grid, height)
	for i := range g {
		row := make([]float64, width)
		for j := range row {
			row[j] = fill
		}
		g[i] = row
	}
	return g
}

func (g Grid) validate() error {
	if g.Height() < 1 || g.Width() < 1 {
		return fmt.Errorf("%w: grid must be at least 1x1, got %dx%d", ErrValidation, g.Height(), g.Width())
	}
	w := g.Width()
	for i, row := range g {
		if len(row) != w {
			return fmt.Errorf("%w: row %d has width %d, want %d", ErrValidation, i, len(row), w)
		}
	}
	return nil
}

// Image is a grid together with the path it was decoded from.
type Image struct {
	Path string
	Grid Grid
}

// New wraps grid in an Image. The grid is copied so the caller keeps ownership of its slice.
func New(path string, grid Grid) (*Image, error) {
	if err := grid.validate(); err != nil {
		return nil, err
	}
	return &Image{Path: path, Grid: grid.Clone()}, nil
}

func (img *Image) Height() int { return img.Grid.Height() }
func (img *Image) Width() int  { return img.Grid.Width() }

// FilteredPath derives the output file name next to the source: photo.jpg -> photo_filtered.jpg.
func (img *Image) FilteredPath() string {
	ext := filepath.Ext(img.Path)
	stem := strings.TrimSuffix(filepath.Base(img.Path), ext)
	if stem == "" {
		stem = "image"
	}
	return filepath.Join(filepath.Dir(img.Path), stem+"_filtered"+ext)
}

// Load decodes the image file at path into grayscale.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDecode, path, err)
	}
	defer f.Close()

	return Decode(f, path)
}

// Decode reads a raster image from r and converts it with 0.2989 R + 0.5870 G + 0.1140 B.
func Decode(r io.Reader, path string) (*Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() < 1 || bounds.Dy() < 1 {
		return nil, fmt.Errorf("%w: %s: empty image", ErrDecode, path)
	}

	grid := make(Grid, bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		row := make([]float64, bounds.Dx())
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			row[x] = 0.2989*float64(r>>8) + 0.5870*float64(g>>8) + 0.1140*float64(b>>8)
		}
		grid[y] = row
	}

	return &Image{Path: path, Grid: grid}, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte, path string) (*Image, error) {
	return Decode(bytes.NewReader(data), path)
}

// Save writes the grid to path as an 8-bit grayscale image. The format follows the extension;
// anything that is not .jpg or .jpeg is written as PNG.
func Save(img *Image, path string) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if err := Encode(f, img, FormatFromPath(path), 0); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	default:
		return "png"
	}
}

// Encode writes img in the given format ("jpeg" or "png").
func Encode(w io.Writer, img *Image, format string, quality int) error {
	if err := img.Grid.validate(); err != nil {
		return err
	}

	gray := ToGray(img.Grid)
	switch format {
	case "jpeg", "jpg":
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := jpeg.Encode(w, gray, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(w, gray); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
	return nil
}

// ToGray rasterizes the grid, rounding and clamping every cell into 0-255.
func ToGray(g Grid) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, g.Width(), g.Height()))
	for y, row := range g {
		for x, v := range row {
			out.SetGray(x, y, color.Gray{Y: clampByte(v)})
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
