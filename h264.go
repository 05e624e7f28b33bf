package transcode

import (
	"bytes"
	"fmt"

	"github.com/abema/go-mp4"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// avcParams holds the parameter sets and NAL length size of an avcC record
// (ISO/IEC 14496-15 AVCDecoderConfigurationRecord).
type avcParams struct {
	lengthSize int
	sps        [][]byte
	pps        [][]byte
}

// parseAVCDescription decodes the avcC bytes carried in
// DecoderConfig.Description.
func parseAVCDescription(desc []byte) (*avcParams, error) {
	box := mp4.AVCDecoderConfiguration{AnyTypeBox: mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()}}
	if _, err := mp4.Unmarshal(bytes.NewReader(desc), uint64(len(desc)), &box, mp4.Context{}); err != nil {
		return nil, fmt.Errorf("%w: avcC: %v", ErrInvalidConfig, err)
	}
	p := &avcParams{lengthSize: int(box.LengthSizeMinusOne) + 1}
	if p.lengthSize == 3 {
		return nil, fmt.Errorf("%w: avcC NAL length size 3", ErrInvalidConfig)
	}
	for _, ps := range box.SequenceParameterSets {
		if len(ps.NALUnit) > 0 {
			p.sps = append(p.sps, ps.NALUnit)
		}
	}
	for _, ps := range box.PictureParameterSets {
		if len(ps.NALUnit) > 0 {
			p.pps = append(p.pps, ps.NALUnit)
		}
	}
	if len(p.sps) == 0 || len(p.pps) == 0 {
		return nil, fmt.Errorf("%w: avcC without SPS/PPS", ErrInvalidConfig)
	}
	return p, nil
}

// annexB rewrites a length-prefixed sample as a start-code delimited access
// unit. withParams prepends the SPS and PPS.
func (p *avcParams) annexB(sample []byte, withParams bool) ([]byte, error) {
	size := len(sample) + 16
	if withParams {
		for _, ps := range p.sps {
			size += len(annexBStartCode) + len(ps)
		}
		for _, ps := range p.pps {
			size += len(annexBStartCode) + len(ps)
		}
	}
	out := make([]byte, 0, size)
	if withParams {
		for _, ps := range p.sps {
			out = append(append(out, annexBStartCode...), ps...)
		}
		for _, ps := range p.pps {
			out = append(append(out, annexBStartCode...), ps...)
		}
	}

	for off := 0; off < len(sample); {
		if len(sample)-off < p.lengthSize {
			return nil, fmt.Errorf("%w: truncated NAL length at %d", ErrCorruptChunk, off)
		}
		n := 0
		for i := 0; i < p.lengthSize; i++ {
			n = n<<8 | int(sample[off+i])
		}
		off += p.lengthSize
		if n == 0 || n > len(sample)-off {
			return nil, fmt.Errorf("%w: NAL of %d bytes at %d", ErrCorruptChunk, n, off)
		}
		out = append(append(out, annexBStartCode...), sample[off:off+n]...)
		off += n
	}
	return out, nil
}

// h264DecoderSupported accepts Annex B streams (no description) and AVC
// streams whose description is a valid avcC record.
func h264DecoderSupported(cfg DecoderConfig) error {
	if cfg.Codec != VideoCodecH264 {
		return fmt.Errorf("codec %s", cfg.Codec)
	}
	if cfg.CodedWidth < 0 || cfg.CodedHeight < 0 || cfg.CodedWidth > MaxDimension || cfg.CodedHeight > MaxDimension {
		return fmt.Errorf("coded size %dx%d out of range", cfg.CodedWidth, cfg.CodedHeight)
	}
	if len(cfg.Description) > 0 {
		if _, err := parseAVCDescription(cfg.Description); err != nil {
			return err
		}
	}
	return nil
}

func h264EncoderSupported(cfg EncoderConfig) error {
	if cfg.Codec != VideoCodecH264 {
		return fmt.Errorf("codec %s", cfg.Codec)
	}
	return cfg.Validate()
}
