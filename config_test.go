package transcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderConfig_Validate(t *testing.T) {
	valid := DefaultEncoderConfig(VideoCodecRaw, 256, 144)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*EncoderConfig)
	}{
		{"no codec", func(c *EncoderConfig) { c.Codec = VideoCodecUnknown }},
		{"zero width", func(c *EncoderConfig) { c.Width = 0 }},
		{"negative height", func(c *EncoderConfig) { c.Height = -2 }},
		{"odd width", func(c *EncoderConfig) { c.Width = 255 }},
		{"odd height", func(c *EncoderConfig) { c.Height = 145 }},
		{"too large", func(c *EncoderConfig) { c.Width = MaxDimension + 2 }},
		{"zero bitrate", func(c *EncoderConfig) { c.Bitrate = 0 }},
		{"zero framerate", func(c *EncoderConfig) { c.Framerate = 0 }},
		{"framerate too high", func(c *EncoderConfig) { c.Framerate = MaxFramerate + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEncoderConfig_FrameDuration(t *testing.T) {
	assert.Equal(t, int64(33_333_333), EncoderConfig{Framerate: 30}.FrameDuration())
	assert.Equal(t, int64(40_000_000), EncoderConfig{Framerate: 25}.FrameDuration())
	assert.Zero(t, EncoderConfig{}.FrameDuration())
}

func TestDecoderConfig_Equal(t *testing.T) {
	a := DecoderConfig{TrackID: 1, Codec: VideoCodecRaw, CodedWidth: 64, CodedHeight: 48, Description: []byte{1}}
	b := a
	b.Description = []byte{1}
	assert.True(t, a.Equal(b))

	b.Description = []byte{2}
	assert.False(t, a.Equal(b))

	c := a
	c.CodedWidth = 32
	assert.False(t, a.Equal(c))

	assert.Contains(t, a.String(), "64x48")
}

func TestPreset(t *testing.T) {
	cfg, ok := Preset("144p", VideoCodecVP8)
	require.True(t, ok)
	assert.Equal(t, VideoCodecVP8, cfg.Codec)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 144, cfg.Height)
	assert.NoError(t, cfg.Validate())

	_, ok = Preset("4k", VideoCodecVP8)
	assert.False(t, ok)

	assert.Equal(t, []string{"144p", "240p", "360p"}, PresetNames())
	for _, name := range PresetNames() {
		cfg, _ := Preset(name, VideoCodecRaw)
		assert.NoError(t, cfg.Validate(), name)
	}
}

func TestLoadPresets(t *testing.T) {
	doc := `
presets:
  tiny:
    codec: raw
    width: 128
    height: 72
    bitrate: 100000
    framerate: 15
  small:
    codec: vp09.00.10.08
    width: 320
    height: 180
    bitrate: 300000
    framerate: 30
`
	presets, err := LoadPresets(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, EncoderConfig{Codec: VideoCodecRaw, Width: 128, Height: 72, Bitrate: 100000, Framerate: 15}, presets["tiny"])
	assert.Equal(t, VideoCodecVP9, presets["small"].Codec)
}

func TestLoadPresets_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "presets: {}\n",
		"unknown field": "presets:\n  a:\n    codec: raw\n    width: 2\n    height: 2\n    bitrate: 1\n    framerate: 1\n    gop: 3\n",
		"bad codec":     "presets:\n  a:\n    codec: mpeg2\n    width: 2\n    height: 2\n    bitrate: 1\n    framerate: 1\n",
		"missing codec": "presets:\n  a:\n    width: 2\n    height: 2\n    bitrate: 1\n    framerate: 1\n",
		"odd size":      "presets:\n  a:\n    codec: raw\n    width: 3\n    height: 2\n    bitrate: 1\n    framerate: 1\n",
		"not yaml":      "presets: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPresets(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
