package transcode

import "io"

// VideoDecoder decodes compressed chunks into pooled frames.
//
// Lifecycle: create (Registry.NewDecoder), Configure, any number of Decode
// calls, Flush, Close. Decode before Configure returns ErrNotConfigured.
// Configure may be called again to apply a parameter change.
type VideoDecoder interface {
	io.Closer

	// Configure (re)initializes the decoder for the given parameters.
	Configure(config DecoderConfig) error

	// Decode decodes one chunk.
	// Returns nil if the decoder is buffering and no frame is ready.
	// The caller owns the returned frame and must Release it.
	Decode(chunk *EncodedChunk) (*DecodedFrame, error)

	// Flush returns any frames still held by the decoder.
	Flush() ([]*DecodedFrame, error)

	// Provider returns which provider created this decoder.
	Provider() Provider
}

// EncodedOutput is one unit produced by an encoder.
type EncodedOutput struct {
	Chunk *EncodedChunk

	// DecoderConfig is set on the first output and whenever the encoder
	// starts a new parameter set; it describes Chunk and everything after it.
	DecoderConfig *DecoderConfig
}

// VideoEncoder encodes raw frames into compressed chunks.
//
// Lifecycle: create (Registry.NewEncoder), Configure, Encode..., Flush, Close.
// Encode before Configure returns ErrNotConfigured.
type VideoEncoder interface {
	io.Closer

	// Configure (re)initializes the encoder.
	Configure(config EncoderConfig) error

	// Encode submits a frame sized to the configured dimensions. The encoder
	// copies what it needs before returning; the caller keeps ownership of
	// frame. Returns an empty slice if the encoder is buffering.
	Encode(frame *VideoFrame) ([]EncodedOutput, error)

	// Flush returns any outputs still held by the encoder.
	Flush() ([]EncodedOutput, error)

	// RequestKeyframe forces the next output to be a keyframe.
	RequestKeyframe()

	// Provider returns which provider created this encoder.
	Provider() Provider
}
