package transcode

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let the registry choose
	ProviderSoftware                 // Pure-Go codecs, always present
	ProviderLibvpx                   // VP8/VP9 via libmedia_vpx
	ProviderOpenH264                 // H.264 decoding via libmedia_h264
	ProviderX264                     // H.264 encoding via libmedia_h264
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureLossless Features = 1 << iota // Decoded output equals encoder input
	FeatureNative                        // Backed by a shared library loaded at runtime
	FeatureRateControl                   // Honors EncoderConfig.Bitrate
)

// Has reports whether all of feature is set.
func (f Features) Has(feature Features) bool { return f&feature == feature }

var providerInfo = [providerCount]struct {
	name     string
	features Features
}{
	ProviderAuto:     {"auto", 0},
	ProviderSoftware: {"software", FeatureLossless},
	ProviderLibvpx:   {"libvpx", FeatureNative | FeatureRateControl},
	ProviderOpenH264: {"openh264", FeatureNative},
	ProviderX264:     {"x264", FeatureNative | FeatureRateControl},
}

// Set by the init functions that register each provider's factories.
var providerAvailable [providerCount]atomic.Bool

func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].name
}

// Features returns the provider's capabilities.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].features
}

// Available reports whether the provider registered codecs in DefaultRegistry.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
