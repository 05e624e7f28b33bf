package transcode

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DecoderFactory describes one provider's decoder for a codec.
type DecoderFactory struct {
	// Supported returns nil if the provider can decode cfg, or an error
	// describing why not. Nil means every configuration is accepted.
	Supported func(cfg DecoderConfig) error

	// New constructs an unconfigured decoder drawing frames from pool.
	New func(pool *FramePool) (VideoDecoder, error)
}

// EncoderFactory describes one provider's encoder for a codec.
type EncoderFactory struct {
	// Supported returns nil if the provider can encode with cfg.
	Supported func(cfg EncoderConfig) error

	// New constructs an unconfigured encoder.
	New func(pool *FramePool) (VideoEncoder, error)
}

// Registry maps codecs to provider factories and answers preflight queries.
// It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	decoders map[VideoCodec]map[Provider]DecoderFactory
	encoders map[VideoCodec]map[Provider]EncoderFactory

	// Default provider per codec
	decoderDefaults map[VideoCodec]Provider
	encoderDefaults map[VideoCodec]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders:        make(map[VideoCodec]map[Provider]DecoderFactory),
		encoders:        make(map[VideoCodec]map[Provider]EncoderFactory),
		decoderDefaults: make(map[VideoCodec]Provider),
		encoderDefaults: make(map[VideoCodec]Provider),
	}
}

// DefaultRegistry holds every provider that registered itself at init time.
var DefaultRegistry = NewRegistry()

// RegisterDecoder registers a decoder factory for a codec+provider.
func (r *Registry) RegisterDecoder(codec VideoCodec, provider Provider, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.decoders[codec] == nil {
		r.decoders[codec] = make(map[Provider]DecoderFactory)
	}
	r.decoders[codec][provider] = factory

	// Set default: prefer permissive, then native providers
	current, exists := r.decoderDefaults[codec]
	if !exists || preferProvider(provider, current) {
		r.decoderDefaults[codec] = provider
	}
}

// RegisterEncoder registers an encoder factory for a codec+provider.
func (r *Registry) RegisterEncoder(codec VideoCodec, provider Provider, factory EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoders[codec] == nil {
		r.encoders[codec] = make(map[Provider]EncoderFactory)
	}
	r.encoders[codec][provider] = factory

	current, exists := r.encoderDefaults[codec]
	if !exists || preferProvider(provider, current) {
		r.encoderDefaults[codec] = provider
	}
}

// preferProvider picks native implementations over the software fallback.
func preferProvider(candidate, current Provider) bool {
	return candidate.Features().Has(FeatureNative) && !current.Features().Has(FeatureNative)
}

// SetDefaultDecoderProvider sets the default provider for a codec.
func (r *Registry) SetDefaultDecoderProvider(codec VideoCodec, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoderDefaults[codec] = provider
}

// SetDefaultEncoderProvider sets the default provider for a codec.
func (r *Registry) SetDefaultEncoderProvider(codec VideoCodec, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoderDefaults[codec] = provider
}

// DecoderProviders returns the providers registered for a codec, default first.
func (r *Registry) DecoderProviders(codec VideoCodec) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return orderedProviders(r.decoders[codec], r.decoderDefaults[codec])
}

// EncoderProviders returns the providers registered for a codec, default first.
func (r *Registry) EncoderProviders(codec VideoCodec) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return orderedProviders(r.encoders[codec], r.encoderDefaults[codec])
}

func orderedProviders[F any](factories map[Provider]F, def Provider) []Provider {
	result := make([]Provider, 0, len(factories))
	for p := range factories {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if (result[i] == def) != (result[j] == def) {
			return result[i] == def
		}
		return result[i] < result[j]
	})
	return result
}

// CheckDecoderConfig is the decode preflight: it resolves a provider able to
// decode cfg without constructing anything. The query runs off the caller's
// goroutine and races ctx. Rejection is an *UnsupportedCodecError.
func (r *Registry) CheckDecoderConfig(ctx context.Context, cfg DecoderConfig) (Provider, error) {
	return preflight(ctx, func() (Provider, error) {
		r.mu.RLock()
		factories := r.decoders[cfg.Codec]
		order := orderedProviders(factories, r.decoderDefaults[cfg.Codec])
		r.mu.RUnlock()

		if len(order) == 0 {
			return ProviderAuto, &UnsupportedCodecError{Codec: cfg.Codec, Reason: "no decoder registered"}
		}
		var reason error
		for _, p := range order {
			f := factories[p]
			if f.Supported == nil {
				return p, nil
			}
			err := f.Supported(cfg)
			if err == nil {
				return p, nil
			}
			if reason == nil {
				reason = fmt.Errorf("%s: %w", p, err)
			}
		}
		return ProviderAuto, &UnsupportedCodecError{Codec: cfg.Codec, Reason: reason.Error()}
	})
}

// CheckEncoderConfig is the encode preflight. cfg.Validate runs first.
func (r *Registry) CheckEncoderConfig(ctx context.Context, cfg EncoderConfig) (Provider, error) {
	return preflight(ctx, func() (Provider, error) {
		if err := cfg.Validate(); err != nil {
			return ProviderAuto, &UnsupportedCodecError{Codec: cfg.Codec, Reason: err.Error()}
		}

		r.mu.RLock()
		factories := r.encoders[cfg.Codec]
		order := orderedProviders(factories, r.encoderDefaults[cfg.Codec])
		r.mu.RUnlock()

		if len(order) == 0 {
			return ProviderAuto, &UnsupportedCodecError{Codec: cfg.Codec, Reason: "no encoder registered"}
		}
		var reason error
		for _, p := range order {
			f := factories[p]
			if f.Supported == nil {
				return p, nil
			}
			err := f.Supported(cfg)
			if err == nil {
				return p, nil
			}
			if reason == nil {
				reason = fmt.Errorf("%s: %w", p, err)
			}
		}
		return ProviderAuto, &UnsupportedCodecError{Codec: cfg.Codec, Reason: reason.Error()}
	})
}

func preflight(ctx context.Context, query func() (Provider, error)) (Provider, error) {
	if err := ctx.Err(); err != nil {
		return ProviderAuto, err
	}

	type result struct {
		p   Provider
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := query()
		done <- result{p, err}
	}()

	select {
	case res := <-done:
		return res.p, res.err
	case <-ctx.Done():
		return ProviderAuto, ctx.Err()
	}
}

// NewDecoder constructs an unconfigured decoder from a provider returned by
// CheckDecoderConfig.
func (r *Registry) NewDecoder(codec VideoCodec, provider Provider, pool *FramePool) (VideoDecoder, error) {
	r.mu.RLock()
	factory, ok := r.decoders[codec][provider]
	r.mu.RUnlock()

	if !ok || factory.New == nil {
		return nil, &UnsupportedCodecError{Codec: codec, Reason: fmt.Sprintf("no %s decoder", provider)}
	}
	return factory.New(pool)
}

// NewEncoder constructs an unconfigured encoder from a provider returned by
// CheckEncoderConfig.
func (r *Registry) NewEncoder(codec VideoCodec, provider Provider, pool *FramePool) (VideoEncoder, error) {
	r.mu.RLock()
	factory, ok := r.encoders[codec][provider]
	r.mu.RUnlock()

	if !ok || factory.New == nil {
		return nil, &UnsupportedCodecError{Codec: codec, Reason: fmt.Sprintf("no %s encoder", provider)}
	}
	return factory.New(pool)
}
