package encoder

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// Params are the immutable codec parameters fixed by configure.
type Params struct {
	Codec string

	// video
	Width            int
	Height           int
	FrameRate        float64
	Bitrate          int // kbps, 0 = codec default
	KeyframeInterval int // frames between key frames

	// audio
	Channels   int
	SampleRate int

	// FFmpegPath is the binary used by subprocess backed codecs.
	FFmpegPath string
}

// Packet is one compressed unit emitted by a codec, in output order.
// Samples is the number of audio sample frames it covers (audio only).
type Packet struct {
	Data     []byte
	KeyFrame bool
	Samples  int
}

// Codec is a compression backend. All methods are called from a single
// goroutine except Close, which may interrupt a stalled Encode or Flush.
type Codec interface {
	// Encode consumes one raw sample and returns the packets that became ready.
	// Backends with internal latency may return packets for earlier samples, or none.
	Encode(sample core.RawSample) ([]Packet, error)

	// Flush forces out every buffered packet. No Encode follows it.
	Flush() ([]Packet, error)

	Close() error
}

// Factory builds a Codec for the given parameters.
type Factory func(params Params, logger *slog.Logger) (Codec, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a codec backend available under its canonical name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[core.CanonicalCodec(name)] = factory
}

// Lookup returns the factory registered for name, resolving aliases.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[core.CanonicalCodec(name)]
	return f, ok
}

// Codecs lists the registered codec names.
func Codecs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(core.CodecAVC, newFFmpegH264)
	Register(core.CodecMJPEG, newMJPEG)
	Register(core.CodecAAC, newFFmpegAAC)
	Register(core.CodecPCM, newPCM)
}
