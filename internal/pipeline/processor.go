package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/polybot/internal/domain"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNoSources     = errors.New("no source images")
)

type Source struct {
	// Ref is resolved by the Fetcher: a Telegram file id, a local path or an object key.
	Ref  string
	Name string
	// ObjectKey points at an archived copy of the source, when one exists.
	ObjectKey string
}

type Request struct {
	JobID   string
	ChatID  int64
	Sources []Source
	Step    domain.Step
}

type Output struct {
	JobID     string
	Filter    domain.Filter
	Format    string
	Path      string
	ObjectKey string
	Filename  string
	Data      []byte
	Bytes     int
	Width     int
	Height    int
}

type Result struct {
	SourceBytes int
	Output      Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, src Source) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, out Output) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	return &Processor{
		fetcher:     fetcher,
		transformer: newGridTransformer(),
		emitter:     emitter,
	}, nil
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

// Fetch downloads every source of req concurrently, preserving order.
func (p *Processor) Fetch(ctx context.Context, req Request) ([]Input, error) {
	if len(req.Sources) == 0 {
		return nil, ErrNoSources
	}

	inputs := make([]Input, len(req.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range req.Sources {
		g.Go(func() error {
			data, err := p.fetcher.Fetch(gctx, req, src)
			if err != nil {
				return fmt.Errorf("source %d: %w", i, err)
			}
			inputs[i] = Input{Name: sourceName(src), Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if err := req.Step.Validate(); err != nil {
		return Result{}, err
	}

	inputs, err := p.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	data, format, width, height, err := p.transformer.Transform(ctx, inputs, req.Step)
	if err != nil {
		return Result{}, fmt.Errorf("transform stage filter=%s: %w", req.Step.Filter, err)
	}

	out, err := p.emitter.Emit(ctx, req, Output{
		JobID:    req.JobID,
		Filter:   req.Step.Filter,
		Format:   format,
		Filename: outputFilename(inputs[0].Name, format),
		Data:     data,
		Bytes:    len(data),
		Width:    width,
		Height:   height,
	})
	if err != nil {
		return Result{}, fmt.Errorf("emit stage filter=%s: %w", req.Step.Filter, err)
	}

	sourceBytes := 0
	for _, in := range inputs {
		sourceBytes += len(in.Data)
	}
	return Result{SourceBytes: sourceBytes, Output: out}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, _ Request, src Source) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(src.Ref)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", src.Ref, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, out Output) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, out.Filename)
	if err := os.WriteFile(fullPath, out.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	out.Path = fullPath
	return out, nil
}

// MultiEmitter runs emitters in order, each seeing the previous one's output.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, req Request, out Output) (Output, error) {
	for _, e := range m {
		next, err := e.Emit(ctx, req, out)
		if err != nil {
			return Output{}, err
		}
		out = next
	}
	return out, nil
}

func sourceName(src Source) string {
	if name := strings.TrimSpace(src.Name); name != "" {
		return name
	}
	return filepath.Base(src.Ref)
}

// outputFilename turns photo.jpg into photo_filtered.<ext>.
func outputFilename(sourceName, format string) string {
	base := filepath.Base(sourceName)
	stem := sanitizePathToken(strings.TrimSuffix(base, filepath.Ext(base)))
	return fmt.Sprintf("%s_filtered.%s", stem, extensionForFormat(format))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" || in == "." {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
