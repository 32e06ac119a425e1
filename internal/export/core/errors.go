package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure the pipeline can report.
type ErrorKind string

const (
	KindSourceUnavailable ErrorKind = "SourceUnavailable"
	KindSeekTimeout       ErrorKind = "SeekTimeout"
	KindDecodeError       ErrorKind = "DecodeError"
	KindInvalidTimestamp  ErrorKind = "InvalidTimestamp"
	KindEncoderFault      ErrorKind = "EncoderFault"
	KindUnconfiguredTrack ErrorKind = "UnconfiguredTrack"
	KindMuxerSealed       ErrorKind = "MuxerSealed"
	KindMuxerFault        ErrorKind = "MuxerFault"
	KindInvalidConfig     ErrorKind = "InvalidConfig"
	KindCancelled         ErrorKind = "Cancelled"
	KindUnknown           ErrorKind = "Unknown"
)

// Sentinels, one per kind. Match them with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSeekTimeout       = errors.New("seek timeout")
	ErrDecode            = errors.New("decode error")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrEncoderFault      = errors.New("encoder fault")
	ErrUnconfiguredTrack = errors.New("unconfigured track")
	ErrMuxerSealed       = errors.New("muxer sealed")
	ErrMuxerFault        = errors.New("muxer fault")
	ErrInvalidConfig     = errors.New("invalid export config")
	ErrCancelled         = errors.New("export cancelled")
)

var sentinels = map[ErrorKind]error{
	KindSourceUnavailable: ErrSourceUnavailable,
	KindSeekTimeout:       ErrSeekTimeout,
	KindDecodeError:       ErrDecode,
	KindInvalidTimestamp:  ErrInvalidTimestamp,
	KindEncoderFault:      ErrEncoderFault,
	KindUnconfiguredTrack: ErrUnconfiguredTrack,
	KindMuxerSealed:       ErrMuxerSealed,
	KindMuxerFault:        ErrMuxerFault,
	KindInvalidConfig:     ErrInvalidConfig,
	KindCancelled:         ErrCancelled,
}

// classOrder fixes the lookup order of KindOf so results are deterministic.
var classOrder = []ErrorKind{
	KindCancelled,
	KindSourceUnavailable,
	KindSeekTimeout,
	KindDecodeError,
	KindInvalidTimestamp,
	KindUnconfiguredTrack,
	KindMuxerSealed,
	KindMuxerFault,
	KindEncoderFault,
	KindInvalidConfig,
}

// classifiedError ties a cause to a kind sentinel.
type classifiedError struct {
	kind  ErrorKind
	msg   string
	cause error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", sentinels[e.kind], e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", sentinels[e.kind], e.msg, e.cause)
}

func (e *classifiedError) Is(target error) bool {
	return target == sentinels[e.kind]
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap classifies cause (which may be nil) as kind, adding a formatted message.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) error {
	if _, ok := sentinels[kind]; !ok {
		kind = KindEncoderFault
	}
	return &classifiedError{
		kind:  kind,
		msg:   fmt.Sprintf(format, args...),
		cause: cause,
	}
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr.Kind
	}
	for _, kind := range classOrder {
		if errors.Is(err, sentinels[kind]) {
			return kind
		}
	}
	return KindUnknown
}

// Stage names the pipeline step an error originated in.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageSample     Stage = "sample"
	StageEncode     Stage = "encode"
	StageMux        Stage = "mux"
	StageFinalize   Stage = "finalize"
)

// ExportError is the terminal failure of a session. LastFrame is the
// currentFrame of the last progress update reported before the failure.
type ExportError struct {
	Kind      ErrorKind
	Stage     Stage
	LastFrame int
	Err       error
}

// NewExportError classifies err and attaches session context.
func NewExportError(stage Stage, lastFrame int, err error) *ExportError {
	kind := KindOf(err)
	if kind == KindUnknown {
		switch stage {
		case StageSample:
			kind = KindDecodeError
		case StageEncode:
			kind = KindEncoderFault
		case StageMux, StageFinalize:
			kind = KindMuxerFault
		}
	}
	return &ExportError{Kind: kind, Stage: stage, LastFrame: lastFrame, Err: err}
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed (%s) during %s after frame %d: %v", e.Kind, e.Stage, e.LastFrame, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func (e *ExportError) Is(target error) bool {
	return target == sentinels[e.Kind]
}
