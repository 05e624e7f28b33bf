package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/abema/go-mp4"
)

const (
	mp4MaxSampleSize = 64 << 20
	mp4MaxBoxPayload = 1 << 20
)

// MP4Demuxer reads the video tracks of a non-fragmented ISO BMFF (MP4/MOV)
// file. Configurations for every video track are reported first, then
// samples in file order.
//
// H.264 tracks carry their avcC record in DecoderConfig.Description and
// length-prefixed samples. Edit lists are ignored. An io.ReadSeeker is read
// in place with offsets from its start; other inputs are read into memory.
type MP4Demuxer struct{}

type mp4Sample struct {
	track  int
	offset uint64
	size   uint32
	pts    int64
	dur    int64
	key    bool
}

type mp4Track struct {
	config  DecoderConfig
	samples []mp4Sample
}

// Run implements Demuxer.
func (MP4Demuxer) Run(ctx context.Context, r io.Reader, h DemuxHandler) error {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("%w: reading mp4: %v", ErrMalformedContainer, err)
		}
		rs = bytes.NewReader(data)
	}

	tracks, err := readMP4Tracks(rs)
	if err != nil {
		return err
	}

	var samples []mp4Sample
	for _, t := range tracks {
		if err := h.OnConfig(ctx, t.config); err != nil {
			return err
		}
		samples = append(samples, t.samples...)
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].offset < samples[j].offset })

	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.size > mp4MaxSampleSize {
			return fmt.Errorf("%w: sample of %d bytes", ErrMalformedContainer, s.size)
		}
		data := make([]byte, s.size)
		if _, err := rs.Seek(int64(s.offset), io.SeekStart); err != nil {
			return fmt.Errorf("%w: seeking to sample: %v", ErrMalformedContainer, err)
		}
		if _, err := io.ReadFull(rs, data); err != nil {
			return fmt.Errorf("%w: truncated sample at offset %d", ErrMalformedContainer, s.offset)
		}

		ft := FrameTypeDelta
		if s.key {
			ft = FrameTypeKey
		}
		chunk := &EncodedChunk{
			TrackID:   s.track,
			Type:      ft,
			Timestamp: s.pts,
			Duration:  s.dur,
			Data:      data,
		}
		if err := h.OnChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func readMP4Tracks(rs io.ReadSeeker) ([]mp4Track, error) {
	info, err := mp4.Probe(rs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	byID := make(map[uint32]*mp4.Track, len(info.Tracks))
	for _, t := range info.Tracks {
		byID[t.TrackID] = t
	}

	traks, err := mp4.ExtractBox(rs, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	var tracks []mp4Track
	for _, trak := range traks {
		video, err := isVideoTrak(rs, trak)
		if err != nil {
			return nil, err
		}
		if !video {
			continue
		}
		t, err := readVideoTrak(rs, trak, byID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if len(tracks) > 0 && len(info.Segments) > 0 {
		empty := true
		for _, t := range tracks {
			if len(t.samples) > 0 {
				empty = false
			}
		}
		if empty {
			return nil, fmt.Errorf("%w: fragmented mp4 is not supported", ErrMalformedContainer)
		}
	}
	return tracks, nil
}

func isVideoTrak(rs io.ReadSeeker, trak *mp4.BoxInfo) (bool, error) {
	boxes, err := mp4.ExtractBoxWithPayload(rs, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()})
	if err != nil {
		return false, fmt.Errorf("%w: hdlr: %v", ErrMalformedContainer, err)
	}
	if len(boxes) == 0 {
		return false, nil
	}
	hdlr, ok := boxes[0].Payload.(*mp4.Hdlr)
	return ok && string(hdlr.HandlerType[:]) == "vide", nil
}

func readVideoTrak(rs io.ReadSeeker, trak *mp4.BoxInfo, byID map[uint32]*mp4.Track) (mp4Track, error) {
	tkhds, err := mp4.ExtractBoxWithPayload(rs, trak, mp4.BoxPath{mp4.BoxTypeTkhd()})
	if err != nil || len(tkhds) == 0 {
		return mp4Track{}, fmt.Errorf("%w: missing tkhd", ErrMalformedContainer)
	}
	tkhd, ok := tkhds[0].Payload.(*mp4.Tkhd)
	if !ok {
		return mp4Track{}, fmt.Errorf("%w: bad tkhd", ErrMalformedContainer)
	}
	pt := byID[tkhd.TrackID]
	if pt == nil {
		return mp4Track{}, fmt.Errorf("%w: track %d has no sample table", ErrMalformedContainer, tkhd.TrackID)
	}

	stbl := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	fourcc, err := sampleEntryType(rs, trak, stbl)
	if err != nil {
		return mp4Track{}, err
	}

	cfg := DecoderConfig{
		TrackID:     int(tkhd.TrackID),
		Codec:       ParseVideoCodec(fourcc),
		CodedWidth:  int(tkhd.Width >> 16),
		CodedHeight: int(tkhd.Height >> 16),
	}
	switch {
	case cfg.Codec == VideoCodecH264 && fourcc == "avc1":
		if pt.AVC != nil && pt.AVC.Width > 0 && pt.AVC.Height > 0 {
			cfg.CodedWidth, cfg.CodedHeight = int(pt.AVC.Width), int(pt.AVC.Height)
		}
		avcC := append(append(mp4.BoxPath{}, stbl...), mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC())
		boxes, err := mp4.ExtractBox(rs, trak, avcC)
		if err != nil || len(boxes) == 0 {
			return mp4Track{}, fmt.Errorf("%w: avc1 track %d without avcC", ErrMalformedContainer, tkhd.TrackID)
		}
		if cfg.Description, err = readBoxPayload(rs, boxes[0]); err != nil {
			return mp4Track{}, err
		}
	case cfg.Codec == VideoCodecUnknown:
		cfg.Description = []byte(fourcc)
	}

	sync, err := syncSamples(rs, trak, stbl)
	if err != nil {
		return mp4Track{}, err
	}
	samples, err := trackSamples(pt, int(tkhd.TrackID), sync)
	if err != nil {
		return mp4Track{}, err
	}
	return mp4Track{config: cfg, samples: samples}, nil
}

// sampleEntryType returns the fourcc of the first stsd entry.
func sampleEntryType(rs io.ReadSeeker, trak *mp4.BoxInfo, stbl mp4.BoxPath) (string, error) {
	boxes, err := mp4.ExtractBox(rs, trak, append(append(mp4.BoxPath{}, stbl...), mp4.BoxTypeStsd()))
	if err != nil || len(boxes) == 0 {
		return "", fmt.Errorf("%w: missing stsd", ErrMalformedContainer)
	}
	payload, err := readBoxPayload(rs, boxes[0])
	if err != nil {
		return "", err
	}
	// version/flags, entry_count, then the first entry's size and type
	if len(payload) < 16 {
		return "", fmt.Errorf("%w: empty stsd", ErrMalformedContainer)
	}
	return string(payload[12:16]), nil
}

// syncSamples returns the 1-based sync sample numbers, or nil when every
// sample is a sync sample.
func syncSamples(rs io.ReadSeeker, trak *mp4.BoxInfo, stbl mp4.BoxPath) (map[uint32]bool, error) {
	boxes, err := mp4.ExtractBoxWithPayload(rs, trak, append(append(mp4.BoxPath{}, stbl...), mp4.BoxTypeStss()))
	if err != nil {
		return nil, fmt.Errorf("%w: stss: %v", ErrMalformedContainer, err)
	}
	if len(boxes) == 0 {
		return nil, nil
	}
	stss, ok := boxes[0].Payload.(*mp4.Stss)
	if !ok {
		return nil, fmt.Errorf("%w: bad stss", ErrMalformedContainer)
	}
	sync := make(map[uint32]bool, len(stss.SampleNumber))
	for _, n := range stss.SampleNumber {
		sync[n] = true
	}
	return sync, nil
}

func trackSamples(t *mp4.Track, trackID int, sync map[uint32]bool) ([]mp4Sample, error) {
	if t.Timescale == 0 {
		return nil, fmt.Errorf("%w: track %d has zero timescale", ErrMalformedContainer, trackID)
	}
	out := make([]mp4Sample, 0, len(t.Samples))
	var dts uint64
	idx := 0
	for _, c := range t.Chunks {
		offset := c.DataOffset
		for j := uint32(0); j < c.SamplesPerChunk; j++ {
			if idx >= len(t.Samples) {
				return nil, fmt.Errorf("%w: track %d chunk table exceeds %d samples", ErrMalformedContainer, trackID, len(t.Samples))
			}
			s := t.Samples[idx]
			pts := int64(dts) + s.CompositionTimeOffset
			if pts < 0 {
				pts = 0
			}
			ptsNs, err := scaleToNanos(uint64(pts), 1, uint64(t.Timescale))
			if err != nil {
				return nil, err
			}
			durNs, err := scaleToNanos(uint64(s.TimeDelta), 1, uint64(t.Timescale))
			if err != nil {
				return nil, err
			}
			out = append(out, mp4Sample{
				track:  trackID,
				offset: offset,
				size:   s.Size,
				pts:    ptsNs,
				dur:    durNs,
				key:    sync == nil || sync[uint32(idx+1)],
			})
			offset += uint64(s.Size)
			dts += uint64(s.TimeDelta)
			idx++
		}
	}
	return out, nil
}

func readBoxPayload(rs io.ReadSeeker, bi *mp4.BoxInfo) ([]byte, error) {
	if bi.Size < bi.HeaderSize || bi.Size-bi.HeaderSize > mp4MaxBoxPayload {
		return nil, fmt.Errorf("%w: %s box of %d bytes", ErrMalformedContainer, bi.Type, bi.Size)
	}
	buf := make([]byte, bi.Size-bi.HeaderSize)
	if _, err := rs.Seek(int64(bi.Offset+bi.HeaderSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	if _, err := io.ReadFull(rs, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated %s box", ErrMalformedContainer, bi.Type)
	}
	return buf, nil
}
