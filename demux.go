package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// DemuxHandler receives the units a Demuxer extracts, in container order.
// OnConfig for a track is always called before any OnChunk for it.
// Returning an error stops the demuxer, which returns that error.
type DemuxHandler interface {
	OnConfig(ctx context.Context, cfg DecoderConfig) error
	OnChunk(ctx context.Context, chunk *EncodedChunk) error
}

// Demuxer reads a container byte stream and calls h for each track
// configuration and encoded chunk. Run returns nil at a clean end of input.
type Demuxer interface {
	Run(ctx context.Context, r io.Reader, h DemuxHandler) error
}

// DemuxHandlerFuncs adapts a pair of functions to DemuxHandler.
type DemuxHandlerFuncs struct {
	Config func(ctx context.Context, cfg DecoderConfig) error
	Chunk  func(ctx context.Context, chunk *EncodedChunk) error
}

func (f DemuxHandlerFuncs) OnConfig(ctx context.Context, cfg DecoderConfig) error {
	if f.Config == nil {
		return nil
	}
	return f.Config(ctx, cfg)
}

func (f DemuxHandlerFuncs) OnChunk(ctx context.Context, chunk *EncodedChunk) error {
	if f.Chunk == nil {
		return nil
	}
	return f.Chunk(ctx, chunk)
}

// AutoDemuxer picks IVFDemuxer or MP4Demuxer from the first bytes of the
// input. Anything that is not recognisably MP4 goes to the IVF demuxer,
// which reports the malformed header.
type AutoDemuxer struct{}

// Run implements Demuxer.
func (AutoDemuxer) Run(ctx context.Context, r io.Reader, h DemuxHandler) error {
	head, r, err := peekHead(r, 12)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	if isMP4Head(head) {
		return MP4Demuxer{}.Run(ctx, r, h)
	}
	return IVFDemuxer{}.Run(ctx, r, h)
}

// isMP4Head reports whether b starts with a top-level box type seen at the
// front of ISO BMFF files.
func isMP4Head(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	switch string(b[4:8]) {
	case "ftyp", "moov", "mdat", "free", "skip", "wide":
		return true
	}
	return false
}

// peekHead returns up to n leading bytes of r and a reader positioned at
// the start of the input again. A ReadSeeker at offset zero stays seekable.
func peekHead(r io.Reader, n int) ([]byte, io.Reader, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		if start, err := rs.Seek(0, io.SeekCurrent); err == nil && start == 0 {
			buf := make([]byte, n)
			got, err := io.ReadFull(rs, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				return nil, nil, err
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return nil, nil, err
			}
			return buf[:got], rs, nil
		}
	}

	br := bufio.NewReader(r)
	head, err := br.Peek(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return head, br, nil
}
