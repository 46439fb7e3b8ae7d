package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/dunamismax/polybot/internal/domain"
	"github.com/dunamismax/polybot/internal/imgproc"
)

type Transformer interface {
	Transform(ctx context.Context, inputs []Input, step domain.Step) (data []byte, format string, width, height int, err error)
}

// Input is one fetched source image.
type Input struct {
	Name string
	Data []byte
}

type gridTransformer struct {
	newRand func() imgproc.Rand
}

func newGridTransformer() gridTransformer {
	return gridTransformer{
		newRand: func() imgproc.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
}

func (t gridTransformer) Transform(ctx context.Context, inputs []Input, step domain.Step) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	if len(inputs) != step.Inputs() {
		return nil, "", 0, 0, fmt.Errorf("%w: %s needs %d image(s), got %d", imgproc.ErrValidation, step.Filter, step.Inputs(), len(inputs))
	}

	images := make([]*imgproc.Image, len(inputs))
	for i, in := range inputs {
		data, err := normalizeInput(in.Data)
		if err != nil {
			return nil, "", 0, 0, fmt.Errorf("%w: %s: %v", imgproc.ErrDecode, in.Name, err)
		}
		img, err := imgproc.DecodeBytes(data, in.Name)
		if err != nil {
			return nil, "", 0, 0, err
		}
		images[i] = img
	}

	out := images[0]
	if err := t.apply(out, images[1:], step); err != nil {
		return nil, "", 0, 0, err
	}

	format := normalizeOutputFormat(strings.ToLower(strings.TrimSpace(step.Format)))
	var buf bytes.Buffer
	if err := imgproc.Encode(&buf, out, format, step.Quality); err != nil {
		return nil, "", 0, 0, err
	}

	return buf.Bytes(), format, out.Width(), out.Height(), nil
}

// apply dispatches over the fixed filter set.
func (t gridTransformer) apply(img *imgproc.Image, others []*imgproc.Image, step domain.Step) error {
	switch step.Filter {
	case domain.FilterBlur:
		return img.Blur(step.BlurLevel)
	case domain.FilterContour:
		return img.Contour()
	case domain.FilterRotate:
		return img.Rotate(step.Rotations)
	case domain.FilterSegment:
		return img.Segment(step.Threshold)
	case domain.FilterSaltAndPepper:
		return img.SaltAndPepper(t.newRand(), step.SaltProbability, step.PepperProbability)
	case domain.FilterConcat:
		direction, err := imgproc.ParseDirection(step.Direction)
		if err != nil {
			return err
		}
		return img.Concat(others[0], direction)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFilter, step.Filter)
	}
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return format
	default:
		return "jpeg"
	}
}

func extensionForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return "png"
	}
	return "jpg"
}

func contentTypeForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// ValidateSource reports whether data decodes as an image the engine accepts.
func ValidateSource(name string, data []byte) error {
	normalized, err := normalizeInput(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", imgproc.ErrDecode, name, err)
	}
	_, err = imgproc.DecodeBytes(normalized, name)
	return err
}
