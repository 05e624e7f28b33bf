package transcode

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// DecoderConfig carries the codec parameters needed to initialize a decoder.
// Exactly one precedes the chunks of its track; a later one for the same
// track announces a parameter change.
type DecoderConfig struct {
	TrackID     int        // Track the configuration applies to
	Codec       VideoCodec // Codec type
	CodedWidth  int        // Coded frame width (0 = unknown until first frame)
	CodedHeight int        // Coded frame height
	Description []byte     // Codec-specific extradata (e.g. avcC), may be nil
}

// Equal reports whether two configurations describe the same parameter set.
func (c DecoderConfig) Equal(o DecoderConfig) bool {
	return c.TrackID == o.TrackID &&
		c.Codec == o.Codec &&
		c.CodedWidth == o.CodedWidth &&
		c.CodedHeight == o.CodedHeight &&
		bytes.Equal(c.Description, o.Description)
}

func (c DecoderConfig) String() string {
	return fmt.Sprintf("track=%d codec=%s %dx%d desc=%dB", c.TrackID, c.Codec, c.CodedWidth, c.CodedHeight, len(c.Description))
}

// Limits on encoder parameters accepted by Validate.
const (
	MaxDimension = 8192
	MaxFramerate = 240
)

// EncoderConfig configures the downscale encode.
type EncoderConfig struct {
	Codec     VideoCodec `yaml:"codec"`     // Output codec
	Width     int        `yaml:"width"`     // Output width
	Height    int        `yaml:"height"`    // Output height
	Bitrate   int        `yaml:"bitrate"`   // Target bitrate in bits per second
	Framerate int        `yaml:"framerate"` // Target framerate
}

// DefaultEncoderConfig returns an encoder configuration with default rate settings.
func DefaultEncoderConfig(codec VideoCodec, width, height int) EncoderConfig {
	return EncoderConfig{
		Codec:     codec,
		Width:     width,
		Height:    height,
		Bitrate:   500_000,
		Framerate: 30,
	}
}

// Validate checks codec-independent constraints. Preflight calls it before
// asking any provider.
func (c EncoderConfig) Validate() error {
	if c.Codec == VideoCodecUnknown {
		return fmt.Errorf("%w: codec not set", ErrInvalidConfig)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width > MaxDimension || c.Height > MaxDimension {
		return fmt.Errorf("%w: dimensions %dx%d out of range", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be even for I420", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate %d must be positive", ErrInvalidConfig, c.Bitrate)
	}
	if c.Framerate <= 0 || c.Framerate > MaxFramerate {
		return fmt.Errorf("%w: framerate %d out of range", ErrInvalidConfig, c.Framerate)
	}
	return nil
}

// FrameDuration returns the nominal frame duration in nanoseconds.
func (c EncoderConfig) FrameDuration() int64 {
	if c.Framerate <= 0 {
		return 0
	}
	return int64(1_000_000_000 / c.Framerate)
}

func (c EncoderConfig) String() string {
	return fmt.Sprintf("%s %dx%d@%dfps %dbps", c.Codec, c.Width, c.Height, c.Framerate, c.Bitrate)
}

// Built-in downscale presets, keyed by name. Codec is left to the caller.
var presets = map[string]EncoderConfig{
	"144p": {Width: 256, Height: 144, Bitrate: 200_000, Framerate: 30},
	"240p": {Width: 426, Height: 240, Bitrate: 400_000, Framerate: 30},
	"360p": {Width: 640, Height: 360, Bitrate: 800_000, Framerate: 30},
}

// Preset returns a built-in preset with the given codec.
func Preset(name string, codec VideoCodec) (EncoderConfig, bool) {
	cfg, ok := presets[name]
	if !ok {
		return EncoderConfig{}, false
	}
	cfg.Codec = codec
	return cfg, true
}

// PresetNames returns the built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type presetFile struct {
	Presets map[string]EncoderConfig `yaml:"presets"`
}

// LoadPresets reads named encoder configurations from a YAML document:
//
//	presets:
//	  144p:
//	    codec: vp8
//	    width: 256
//	    height: 144
//	    bitrate: 200000
//	    framerate: 30
//
// Every preset is validated.
func LoadPresets(r io.Reader) (map[string]EncoderConfig, error) {
	var file presetFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, fmt.Errorf("%w: no presets defined", ErrInvalidConfig)
	}
	for name, cfg := range file.Presets {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
	}
	return file.Presets, nil
}
