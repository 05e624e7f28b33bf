package transcode

import (
	"fmt"
	"strings"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
	VideoCodecRaw // Lossless DEFLATE-packed I420, see rawvideo.go
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV1"
	case VideoCodecRaw:
		return "RAW"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecH265:
		return "video/H265"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// FourCC returns the IVF fourcc for this codec.
func (c VideoCodec) FourCC() string {
	switch c {
	case VideoCodecVP8:
		return "VP80"
	case VideoCodecVP9:
		return "VP90"
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV01"
	case VideoCodecRaw:
		return "RAWV"
	default:
		return "\x00\x00\x00\x00"
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecH265:
		return 104
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}

// ParseVideoCodec maps a codec string to a VideoCodec. It accepts WebCodecs
// codec strings ("vp8", "vp09.00.10.08", "avc1.42001f", "hvc1.1.6.L93.B0",
// "av01.0.04M.08"), plain names ("h264", "raw") and IVF fourccs ("VP80").
// Unrecognized strings map to VideoCodecUnknown.
func ParseVideoCodec(s string) VideoCodec {
	id := strings.ToLower(strings.TrimSpace(s))
	family := id
	if i := strings.IndexByte(id, '.'); i >= 0 {
		family = id[:i]
	}

	switch family {
	case "vp8", "vp80":
		return VideoCodecVP8
	case "vp9", "vp09", "vp90":
		return VideoCodecVP9
	case "avc1", "avc3", "h264", "avc":
		return VideoCodecH264
	case "hvc1", "hev1", "h265", "hevc":
		return VideoCodecH265
	case "av01", "av1":
		return VideoCodecAV1
	case "raw", "rawv":
		return VideoCodecRaw
	default:
		return VideoCodecUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c VideoCodec) MarshalText() ([]byte, error) {
	if c == VideoCodecUnknown {
		return nil, fmt.Errorf("cannot marshal unknown codec")
	}
	return []byte(strings.ToLower(c.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *VideoCodec) UnmarshalText(text []byte) error {
	codec := ParseVideoCodec(string(text))
	if codec == VideoCodecUnknown {
		return fmt.Errorf("%w: unrecognized codec %q", ErrInvalidConfig, string(text))
	}
	*c = codec
	return nil
}
