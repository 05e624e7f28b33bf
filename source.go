package transcode

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SourceFile is an uploaded container. Open returns a single-pass reader;
// the pipeline opens it once per run.
type SourceFile interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// DisplayName derives the user-facing name of a source: the base name with
// the container extension stripped ("clips/intro.ivf" -> "intro").
func DisplayName(name string) string {
	base := filepath.Base(filepath.ToSlash(name))
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// FileSource is a SourceFile backed by a path on disk.
type FileSource string

func (f FileSource) Name() string { return string(f) }

func (f FileSource) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

// BytesSource is an in-memory SourceFile, e.g. an uploaded request body.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (b *BytesSource) Name() string { return b.Filename }

func (b *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}
