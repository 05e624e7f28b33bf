package transcode

// DetectVideoCodec detects the video codec from raw bitstream data.
// Supports detection of:
//   - H.264/AVC: Annex-B format (ITU-T H.264) and AVCC format (ISO/IEC 14496-15)
//   - VP8: RFC 6386 - VP8 Data Format and Decoding Guide
//   - VP9: VP9 Bitstream & Decoding Process Specification
//   - AV1: AV1 Bitstream & Decoding Process Specification
//   - IVF: WebM Project container format (codec from the header FourCC)
//
// Returns VideoCodecUnknown if the codec cannot be determined.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}

	// IVF header first: its FourCC is authoritative
	if len(data) >= ivfFileHeaderSize && string(data[0:4]) == ivfSignature {
		return ParseVideoCodec(string(data[8:12]))
	}

	if isAnnexBStartCode(data) && isH264NALType(getNALType(data)) {
		return VideoCodecH264
	}
	if isAVCCFormat(data) {
		return VideoCodecH264
	}
	if isVP8Keyframe(data) {
		return VideoCodecVP8
	}
	if isVP9Frame(data) {
		return VideoCodecVP9
	}
	if isAV1OBU(data) {
		return VideoCodecAV1
	}
	return VideoCodecUnknown
}

// ClassifyFrame reads the frame type out of a chunk payload of the given
// codec. Containers such as IVF do not carry a keyframe flag, so demuxers
// call this for every frame.
func ClassifyFrame(codec VideoCodec, data []byte) FrameType {
	if len(data) == 0 {
		return FrameTypeUnknown
	}
	switch codec {
	case VideoCodecRaw:
		if len(data) < rawHeaderSize {
			return FrameTypeUnknown
		}
		if rawKeyframe(data) {
			return FrameTypeKey
		}
		return FrameTypeDelta

	case VideoCodecVP8:
		// frame_type bit: 0 = key
		if data[0]&0x01 == 0 {
			return FrameTypeKey
		}
		return FrameTypeDelta

	case VideoCodecVP9:
		if !isVP9Frame(data) {
			return FrameTypeUnknown
		}
		if isVP9Keyframe(data) {
			return FrameTypeKey
		}
		return FrameTypeDelta

	case VideoCodecH264:
		if containsNALType(data, 5) {
			return FrameTypeKey
		}
		return FrameTypeDelta

	case VideoCodecAV1:
		// A temporal unit carrying a sequence header starts a new coded
		// video sequence.
		if containsOBUType(data, 1) {
			return FrameTypeKey
		}
		return FrameTypeDelta

	default:
		return FrameTypeUnknown
	}
}

// isAnnexBStartCode checks for H.264/H.265 Annex-B start codes
// (0x00000001 or 0x000001).
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// getNALType extracts the first NAL unit type from Annex-B data.
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType checks if NAL type is valid H.264 (ITU-T H.264 Table 7-1).
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// containsNALType scans Annex-B data for a NAL unit of the given type.
func containsNALType(data []byte, nalType byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if data[i+3]&0x1F == nalType {
				return true
			}
			i += 2
		}
	}
	return false
}

// isAVCCFormat checks for AVCC (4-byte big-endian length-prefixed) format.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	return length > 0 && length < len(data) && length < 10*1024*1024
}

// isVP8Keyframe checks for the VP8 keyframe signature (RFC 6386 Section 9.1):
// frame_type bit clear and the 0x9D 0x01 0x2A start code after the frame tag.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Frame checks the 2-bit VP9 frame_marker (0b10).
func isVP9Frame(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	return (data[0]>>6)&0x03 == 0x02
}

// isVP9Keyframe reads show_existing_frame and frame_type from the VP9
// uncompressed header. Profile 3 has one extra reserved bit.
func isVP9Keyframe(data []byte) bool {
	profile := (data[0]>>5)&0x01 | ((data[0]>>4)&0x01)<<1
	shift := uint(3)
	if profile == 3 {
		shift = 2
	}
	if (data[0]>>shift)&0x01 != 0 { // show_existing_frame
		return false
	}
	return (data[0]>>(shift-1))&0x01 == 0
}

// isAV1OBU checks for a plausible AV1 OBU header: forbidden bit clear and a
// defined obu_type.
func isAV1OBU(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	if (data[0]>>7)&0x01 != 0 {
		return false
	}
	obuType := (data[0] >> 3) & 0x0F
	return (obuType >= 1 && obuType <= 8) || obuType == 15
}

// containsOBUType walks size-delimited OBUs looking for obuType.
func containsOBUType(data []byte, obuType byte) bool {
	for len(data) > 0 {
		hdr := data[0]
		if (hdr>>3)&0x0F == obuType {
			return true
		}
		pos := 1
		if hdr&0x04 != 0 { // obu_extension_flag
			pos++
		}
		if hdr&0x02 == 0 { // no obu_has_size_field: OBU runs to the end
			return false
		}
		size, n := readLEB128(data[min(pos, len(data)):])
		if n == 0 {
			return false
		}
		pos += n
		if uint64(len(data)-pos) < size {
			return false
		}
		data = data[pos+int(size):]
	}
	return false
}

func readLEB128(data []byte) (value uint64, n int) {
	for i := 0; i < 8 && i < len(data); i++ {
		value |= uint64(data[i]&0x7F) << (7 * i)
		if data[i]&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}
