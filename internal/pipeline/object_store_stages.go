package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/polybot/internal/storage"
)

// ObjectReader and ObjectWriter are the parts of *storage.Client the stages need.
type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

var _ ObjectReader = (*storage.Client)(nil)
var _ ObjectWriter = (*storage.Client)(nil)

// FileDownloader resolves a Telegram file id into bytes.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

type TelegramFetcher struct {
	Files FileDownloader
}

func (f TelegramFetcher) Fetch(ctx context.Context, _ Request, src Source) ([]byte, error) {
	if f.Files == nil {
		return nil, errors.New("telegram file downloader is required")
	}
	data, _, err := f.Files.DownloadFile(ctx, src.Ref)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", src.Ref, err)
	}
	return data, nil
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, _ Request, src Source) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	key := src.ObjectKey
	if key == "" {
		key = src.Ref
	}
	return f.Storage.ReadObject(ctx, key)
}

// ArchiveFirstFetcher reads sources that carry an ObjectKey from the object
// store and falls back to Next when there is none or the read fails.
type ArchiveFirstFetcher struct {
	Storage ObjectReader
	Next    Fetcher
}

func (f ArchiveFirstFetcher) Fetch(ctx context.Context, req Request, src Source) ([]byte, error) {
	if f.Next == nil {
		return nil, errors.New("next fetcher is required")
	}
	if f.Storage != nil && src.ObjectKey != "" {
		data, err := ObjectStoreFetcher{Storage: f.Storage}.Fetch(ctx, req, src)
		if err == nil {
			return data, nil
		}
	}
	return f.Next.Fetch(ctx, req, src)
}

// ArchivingFetcher copies fetched sources without an ObjectKey to inputs/<job>/<n>-<name>.
// Archive failures are reported through OnError and never fail the fetch.
type ArchivingFetcher struct {
	Next        Fetcher
	Storage     ObjectWriter
	InputPrefix string
	OnError     func(objectKey string, err error)
}

func (f ArchivingFetcher) Fetch(ctx context.Context, req Request, src Source) ([]byte, error) {
	if f.Next == nil {
		return nil, errors.New("next fetcher is required")
	}
	data, err := f.Next.Fetch(ctx, req, src)
	if err != nil || f.Storage == nil || src.ObjectKey != "" {
		return data, err
	}

	objectKey := SourceObjectKey(f.InputPrefix, req.JobID, req.sourceIndex(src), sourceName(src))
	if werr := f.Storage.WriteObject(ctx, objectKey, data, ContentTypeForName(sourceName(src))); werr != nil && f.OnError != nil {
		f.OnError(objectKey, werr)
	}
	return data, nil
}

type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, out Output) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID, string(out.Filter), out.Format)
	if err := e.Storage.WriteObject(ctx, objectKey, out.Data, contentTypeForFormat(out.Format)); err != nil {
		return Output{}, err
	}

	out.ObjectKey = objectKey
	return out, nil
}

// OutputObjectKey is outputs/<job>/<filter>.<ext>.
func OutputObjectKey(prefix, jobID, filter, format string) string {
	return path.Join(
		defaultPrefix(prefix, "outputs"),
		sanitizePathToken(jobID),
		fmt.Sprintf("%s.%s", sanitizePathToken(filter), extensionForFormat(format)),
	)
}

// SourceObjectKey is inputs/<job>/<index>-<name>.
func SourceObjectKey(prefix, jobID string, index int, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	ext := strings.ToLower(path.Ext(base))
	stem := sanitizePathToken(strings.TrimSuffix(base, path.Ext(base)))
	return path.Join(
		defaultPrefix(prefix, "inputs"),
		sanitizePathToken(jobID),
		fmt.Sprintf("%d-%s%s", index, stem, sanitizeExt(ext)),
	)
}

func (r Request) sourceIndex(src Source) int {
	for i, s := range r.Sources {
		if s == src {
			return i
		}
	}
	return 0
}

func defaultPrefix(prefix, fallback string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return fallback
	}
	return prefix
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + sanitizePathToken(strings.TrimPrefix(ext, "."))
}

// ContentTypeForName guesses an image MIME type from a file extension.
func ContentTypeForName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
