package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "VP8"},
		{VideoCodecVP9, "VP9"},
		{VideoCodecH264, "H264"},
		{VideoCodecH265, "H265"},
		{VideoCodecAV1, "AV1"},
		{VideoCodecRaw, "RAW"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.codec.String())
	}
}

func TestVideoCodec_MimeType(t *testing.T) {
	assert.Equal(t, "video/VP8", VideoCodecVP8.MimeType())
	assert.Equal(t, "video/VP9", VideoCodecVP9.MimeType())
	assert.Equal(t, "video/H264", VideoCodecH264.MimeType())
	assert.Equal(t, "video/AV1", VideoCodecAV1.MimeType())
	assert.Empty(t, VideoCodecRaw.MimeType(), "raw has no RTP mapping")
	assert.Empty(t, VideoCodecUnknown.MimeType())
}

func TestVideoCodec_FourCC(t *testing.T) {
	for _, c := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecH265, VideoCodecAV1, VideoCodecRaw} {
		assert.Len(t, c.FourCC(), 4)
		assert.Equal(t, c, ParseVideoCodec(c.FourCC()), "fourcc %q", c.FourCC())
	}
}

func TestVideoCodec_RTP(t *testing.T) {
	for _, c := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1} {
		assert.Equal(t, uint32(90000), c.ClockRate())
	}
	assert.Equal(t, uint8(96), VideoCodecVP8.DefaultPayloadType())
	assert.Equal(t, uint8(98), VideoCodecVP9.DefaultPayloadType())
	assert.Equal(t, uint8(102), VideoCodecH264.DefaultPayloadType())
}

func TestParseVideoCodec(t *testing.T) {
	tests := map[string]VideoCodec{
		"vp8":             VideoCodecVP8,
		"VP8":             VideoCodecVP8,
		"vp09.00.10.08":   VideoCodecVP9,
		"VP90":            VideoCodecVP9,
		"avc1.42001f":     VideoCodecH264,
		"h264":            VideoCodecH264,
		"hvc1.1.6.L93.B0": VideoCodecH265,
		"av01.0.04M.08":   VideoCodecAV1,
		" raw ":           VideoCodecRaw,
		"RAWV":            VideoCodecRaw,
		"":                VideoCodecUnknown,
		"theora":          VideoCodecUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseVideoCodec(in), "input %q", in)
	}
}

func TestVideoCodec_Text(t *testing.T) {
	b, err := VideoCodecVP9.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "vp9", string(b))

	_, err = VideoCodecUnknown.MarshalText()
	assert.Error(t, err)

	var c VideoCodec
	require.NoError(t, c.UnmarshalText([]byte("avc1.64001f")))
	assert.Equal(t, VideoCodecH264, c)
	assert.ErrorIs(t, c.UnmarshalText([]byte("mpeg2")), ErrInvalidConfig)
}

func TestProvider(t *testing.T) {
	assert.Equal(t, "software", ProviderSoftware.String())
	assert.Equal(t, "libvpx", ProviderLibvpx.String())
	assert.Equal(t, "unknown", Provider(200).String())
	assert.True(t, ProviderSoftware.Features().Has(FeatureLossless))
	assert.True(t, ProviderLibvpx.Features().Has(FeatureRateControl))
	assert.Zero(t, Provider(200).Features())
	assert.True(t, ProviderLibvpx.Features().Has(FeatureNative))
	assert.False(t, ProviderSoftware.Features().Has(FeatureNative))
	assert.True(t, ProviderSoftware.Available(), "software provider registers at init")
}
