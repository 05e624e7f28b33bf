package transcode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ProviderOrder(t *testing.T) {
	r := NewRegistry()
	r.RegisterEncoder(VideoCodecVP8, ProviderSoftware, EncoderFactory{})
	r.RegisterEncoder(VideoCodecVP8, ProviderLibvpx, EncoderFactory{})

	assert.Equal(t, []Provider{ProviderLibvpx, ProviderSoftware}, r.EncoderProviders(VideoCodecVP8),
		"native provider is preferred")

	r.SetDefaultEncoderProvider(VideoCodecVP8, ProviderSoftware)
	assert.Equal(t, []Provider{ProviderSoftware, ProviderLibvpx}, r.EncoderProviders(VideoCodecVP8))

	assert.Empty(t, r.DecoderProviders(VideoCodecVP8))
}

func TestRegistry_CheckEncoderConfig(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.RegisterEncoder(VideoCodecVP8, ProviderLibvpx, EncoderFactory{
		Supported: func(EncoderConfig) error { return errors.New("library not loaded") },
	})
	r.RegisterEncoder(VideoCodecVP8, ProviderSoftware, EncoderFactory{})

	cfg := DefaultEncoderConfig(VideoCodecVP8, 256, 144)
	p, err := r.CheckEncoderConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, ProviderSoftware, p, "falls through to the next provider")

	_, err = r.CheckEncoderConfig(ctx, DefaultEncoderConfig(VideoCodecAV1, 256, 144))
	var uce *UnsupportedCodecError
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, VideoCodecAV1, uce.Codec)
	assert.Empty(t, uce.Stage)
	assert.Contains(t, uce.Reason, "no encoder registered")

	bad := cfg
	bad.Width = 255
	_, err = r.CheckEncoderConfig(ctx, bad)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestRegistry_CheckDecoderConfig(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.RegisterDecoder(VideoCodecRaw, ProviderSoftware, DecoderFactory{Supported: rawDecoderSupported})

	p, err := r.CheckDecoderConfig(ctx, DecoderConfig{Codec: VideoCodecRaw, CodedWidth: 64, CodedHeight: 48})
	require.NoError(t, err)
	assert.Equal(t, ProviderSoftware, p)

	_, err = r.CheckDecoderConfig(ctx, DecoderConfig{Codec: VideoCodecRaw, CodedWidth: 63, CodedHeight: 48})
	var uce *UnsupportedCodecError
	require.ErrorAs(t, err, &uce)
	assert.Contains(t, uce.Reason, "software")

	_, err = r.CheckDecoderConfig(ctx, DecoderConfig{Codec: VideoCodecH265})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestRegistry_PreflightHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := NewRegistry()
	r.RegisterDecoder(VideoCodecRaw, ProviderSoftware, DecoderFactory{
		Supported: func(DecoderConfig) error {
			<-release
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.CheckDecoderConfig(ctx, DecoderConfig{Codec: VideoCodecRaw})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = r.CheckEncoderConfig(canceled, DefaultEncoderConfig(VideoCodecRaw, 16, 16))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_NewCoder(t *testing.T) {
	reg := newCountingRegistry()

	enc, err := reg.NewEncoder(VideoCodecRaw, ProviderSoftware, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderSoftware, enc.Provider())
	require.NoError(t, enc.Close())

	_, err = reg.NewDecoder(VideoCodecVP9, ProviderLibvpx, nil)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	_, err = reg.NewEncoder(VideoCodecRaw, ProviderLibvpx, nil)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	assert.Equal(t, int64(1), reg.encoders.Load())
	assert.Zero(t, reg.decoders.Load())
}

func TestDefaultRegistry_Raw(t *testing.T) {
	p, err := DefaultRegistry.CheckEncoderConfig(context.Background(), DefaultEncoderConfig(VideoCodecRaw, 256, 144))
	require.NoError(t, err)
	assert.Equal(t, ProviderSoftware, p)

	p, err = DefaultRegistry.CheckDecoderConfig(context.Background(), DecoderConfig{Codec: VideoCodecRaw})
	require.NoError(t, err)
	assert.Equal(t, ProviderSoftware, p)
}
