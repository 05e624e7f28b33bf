package transcode

import "fmt"

// EnvelopeKind tags the variant held by an Envelope.
type EnvelopeKind int

const (
	EnvelopeConfig EnvelopeKind = iota // ConfigRecord: carries a DecoderConfig
	EnvelopeChunk                      // MediaChunk: carries an EncodedChunk
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeConfig:
		return "config"
	case EnvelopeChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Envelope is the unit on the encoded channel. Configuration and media share
// one ordered channel, so a ConfigRecord for a track always travels ahead of
// the MediaChunks it describes.
type Envelope struct {
	Kind   EnvelopeKind
	Config *DecoderConfig // Set when Kind == EnvelopeConfig
	Chunk  *EncodedChunk  // Set when Kind == EnvelopeChunk
}

// ConfigRecord wraps a decoder configuration.
func ConfigRecord(cfg DecoderConfig) Envelope {
	return Envelope{Kind: EnvelopeConfig, Config: &cfg}
}

// MediaChunk wraps an encoded chunk.
func MediaChunk(chunk *EncodedChunk) Envelope {
	return Envelope{Kind: EnvelopeChunk, Chunk: chunk}
}

// TrackID returns the track of the wrapped unit.
func (e Envelope) TrackID() int {
	switch {
	case e.Kind == EnvelopeConfig && e.Config != nil:
		return e.Config.TrackID
	case e.Kind == EnvelopeChunk && e.Chunk != nil:
		return e.Chunk.TrackID
	default:
		return -1
	}
}

func (e Envelope) String() string {
	switch e.Kind {
	case EnvelopeConfig:
		return fmt.Sprintf("ConfigRecord(%s)", e.Config)
	case EnvelopeChunk:
		if e.Chunk == nil {
			return "MediaChunk(nil)"
		}
		return fmt.Sprintf("MediaChunk(track=%d %s ts=%d %dB)", e.Chunk.TrackID, e.Chunk.Type, e.Chunk.Timestamp, len(e.Chunk.Data))
	default:
		return "Envelope(invalid)"
	}
}

// orderGuard enforces config-before-chunk ordering per track at an envelope
// boundary.
type orderGuard struct {
	stage   Stage
	configs map[int]DecoderConfig
}

func newOrderGuard(stage Stage) *orderGuard {
	return &orderGuard{stage: stage, configs: make(map[int]DecoderConfig)}
}

// config records a configuration and reports whether it differs from the
// one already in effect for the track.
func (g *orderGuard) config(cfg DecoderConfig) (changed bool) {
	prev, ok := g.configs[cfg.TrackID]
	g.configs[cfg.TrackID] = cfg
	return !ok || !prev.Equal(cfg)
}

// chunk returns a ConfigurationOrderError if no configuration has been seen
// for the chunk's track.
func (g *orderGuard) chunk(c *EncodedChunk) error {
	if _, ok := g.configs[c.TrackID]; !ok {
		return &ConfigurationOrderError{Stage: g.stage, TrackID: c.TrackID, Timestamp: c.Timestamp}
	}
	return nil
}
