// Package transcode provides a streaming video downscale transcoder with a
// live preview of its own output.
//
// A run demuxes a container, decodes its video track, scales every frame to
// the target size, re-encodes it, and then decodes the encoded output again
// so the caller can watch exactly what a viewer of the downscaled stream
// would see. Each encoded chunk is forwarded unchanged to a Sink after it
// has been rendered.
//
// # Architecture
//
//	SourceFile -> Demuxer -> Decode -> Encode -> Render+Forward -> Sink
//	                          frames    envelopes   RenderFunc
//
// Stages run concurrently and are joined by unbuffered channels, so a slow
// render callback or sink stalls the stages before it rather than growing a
// queue. Decoded frames come from a FramePool and are released exactly once
// by whichever stage consumes them; the pool's statistics expose any leak.
//
// The Encode stage emits Envelopes: a ConfigRecord describing the encoded
// stream always precedes the MediaChunks it applies to.
//
// # Codecs
//
// A Registry maps codecs to providers. Before any coder is created the
// stage asks the registry whether the configuration is supported and fails
// with an *UnsupportedCodecError if no provider accepts it.
//
//   - Raw (RAWV): built-in lossless software codec, always available
//   - VP8/VP9: libvpx via libmedia_vpx, loaded at runtime with purego
//   - H.264: OpenH264 decoding and x264 encoding via libmedia_h264
//
// MEDIA_VPX_LIB_PATH and MEDIA_H264_LIB_PATH name the library files;
// MEDIA_SDK_LIB_PATH names a directory holding both. Build with the novpx or
// noh264 tag to leave one out.
//
// # Containers
//
// AutoDemuxer, the default, reads IVF and non-fragmented MP4. H.264 tracks
// from MP4 carry their avcC record in DecoderConfig.Description.
//
// # Errors
//
// Failures are reported as *UnsupportedCodecError, *CoderRuntimeError,
// *ConfigurationOrderError or *StageError. FailedStage recovers the stage
// and unit kind from any of them.
//
// # Workers
//
// Worker runs one pipeline at a time in the background and reports a single
// Completion per accepted StartMessage.
package transcode
