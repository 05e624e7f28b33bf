package transcode

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrUnsupportedCodec   = errors.New("unsupported codec configuration")
	ErrCoderRuntime       = errors.New("coder runtime failure")
	ErrConfigurationOrder = errors.New("media chunk before its configuration record")
	ErrNotConfigured      = errors.New("coder not configured")
	ErrCoderClosed        = errors.New("coder closed")
	ErrFrameReleased      = errors.New("frame already released")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMalformedContainer = errors.New("malformed container")
	ErrCorruptChunk       = errors.New("corrupt chunk")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrWorkerClosed       = errors.New("worker closed")
)

// Stage identifies a pipeline stage in errors, logs and metrics.
type Stage string

const (
	StageDemux  Stage = "demux"
	StageDecode Stage = "decode"
	StageEncode Stage = "encode"
	StageRender Stage = "render"
	StageSink   Stage = "sink"
)

// UnitKind names the kind of unit a stage was handling when it failed.
type UnitKind string

const (
	UnitConfig UnitKind = "config"
	UnitChunk  UnitKind = "chunk"
	UnitFrame  UnitKind = "frame"
	UnitBytes  UnitKind = "bytes"
)

// stageFailure is implemented by every error that carries stage identity.
type stageFailure interface {
	error
	failure() (Stage, UnitKind)
}

// FailedStage extracts the stage and offending unit kind from err.
func FailedStage(err error) (Stage, UnitKind, bool) {
	var sf stageFailure
	if errors.As(err, &sf) {
		stage, unit := sf.failure()
		return stage, unit, true
	}
	return "", "", false
}

// UnsupportedCodecError reports a configuration rejected by preflight.
type UnsupportedCodecError struct {
	Stage  Stage
	Codec  VideoCodec
	Reason string
}

func (e *UnsupportedCodecError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("unsupported %s configuration: %s", e.Codec, e.Reason)
	}
	return fmt.Sprintf("%s: unsupported %s configuration: %s", e.Stage, e.Codec, e.Reason)
}

// Is makes errors.Is(err, ErrUnsupportedCodec) match.
func (e *UnsupportedCodecError) Is(target error) bool { return target == ErrUnsupportedCodec }

func (e *UnsupportedCodecError) failure() (Stage, UnitKind) { return e.Stage, UnitConfig }

// CoderRuntimeError reports a decoder or encoder failure during steady state.
type CoderRuntimeError struct {
	Stage     Stage
	Unit      UnitKind
	Timestamp int64 // Timestamp of the offending unit in nanoseconds
	Err       error
}

func (e *CoderRuntimeError) Error() string {
	return fmt.Sprintf("%s: %s at ts=%d: %v", e.Stage, e.Unit, e.Timestamp, e.Err)
}

// Is makes errors.Is(err, ErrCoderRuntime) match.
func (e *CoderRuntimeError) Is(target error) bool { return target == ErrCoderRuntime }

func (e *CoderRuntimeError) Unwrap() error { return e.Err }

func (e *CoderRuntimeError) failure() (Stage, UnitKind) { return e.Stage, e.Unit }

// ConfigurationOrderError reports a MediaChunk observed before any
// ConfigRecord for its track. It is always fatal.
type ConfigurationOrderError struct {
	Stage     Stage
	TrackID   int
	Timestamp int64
}

func (e *ConfigurationOrderError) Error() string {
	return fmt.Sprintf("%s: chunk for track %d at ts=%d arrived before its configuration", e.Stage, e.TrackID, e.Timestamp)
}

// Is makes errors.Is(err, ErrConfigurationOrder) match.
func (e *ConfigurationOrderError) Is(target error) bool { return target == ErrConfigurationOrder }

func (e *ConfigurationOrderError) failure() (Stage, UnitKind) { return e.Stage, UnitChunk }

// StageError attributes any other failure (container parsing, sink writes)
// to a stage.
type StageError struct {
	Stage Stage
	Unit  UnitKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Unit, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) failure() (Stage, UnitKind) { return e.Stage, e.Unit }
