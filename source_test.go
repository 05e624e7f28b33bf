package transcode

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"clip.ivf":             "clip",
		"clips/intro.ivf":      "intro",
		"/var/uploads/a.b.ivf": "a.b",
		"noext":                "noext",
		".hidden":              ".hidden",
		"dir/":                 "dir",
		"":                     "",
		"/":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, DisplayName(in), "input %q", in)
	}
}

func TestBytesSource(t *testing.T) {
	src := &BytesSource{Filename: "upload.ivf", Data: []byte("DKIF")}
	assert.Equal(t, "upload.ivf", src.Name())

	for i := 0; i < 2; i++ {
		rc, err := src.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "DKIF", string(data), "every Open starts from the beginning")
		require.NoError(t, rc.Close())
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ivf")
	require.NoError(t, os.WriteFile(path, rawClip(t, 16, 16, 30, 2), 0o644))

	src := FileSource(path)
	assert.Equal(t, path, src.Name())
	rc, err := src.Open()
	require.NoError(t, err)
	defer rc.Close()
	hdr := make([]byte, ivfFileHeaderSize)
	_, err = io.ReadFull(rc, hdr)
	require.NoError(t, err)
	_, err = ParseIVFHeader(hdr)
	assert.NoError(t, err)

	_, err = FileSource(filepath.Join(t.TempDir(), "missing.ivf")).Open()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
