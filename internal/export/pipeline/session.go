// Package pipeline drives one export session through sampling, encoding and
// muxing, and manages concurrently running sessions.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/encoder"
	"github.com/chengyongru/openscreen/internal/export/muxer"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Options tune the components a session creates.
type Options struct {
	OpenTimeout   time.Duration
	SeekTimeout   time.Duration
	QueueSize     int
	FlushTimeout  time.Duration
	GroupDuration time.Duration
	FFmpegPath    string

	// Codecs overrides encoder backends by canonical codec name.
	Codecs map[string]encoder.Factory

	Clock  clock.PassiveClock
	Logger *slog.Logger
}

// ProgressFunc observes per-frame progress. It runs on the session goroutine.
type ProgressFunc func(core.ExportProgress)

// ResultFunc observes the terminal result.
type ResultFunc func(core.ExportResult)

// Session is one export: it owns the sampler, encoders and muxer and
// releases them on every terminal state.
type Session struct {
	id        string
	sourceKey string
	cfg       core.ExportConfig
	src       sampler.Source
	opts      Options
	logger    *slog.Logger
	clock     clock.PassiveClock
	createdAt time.Time

	started   atomic.Bool
	cancelled atomic.Bool
	done      chan struct{}

	mu          sync.Mutex
	state       State
	progress    core.ExportProgress
	result      *core.ExportResult
	finishedAt  time.Time
	cancelFn    context.CancelFunc
	progressFns []ProgressFunc
	resultFns   []ResultFunc

	// owned by the session goroutine
	sampler *sampler.Sampler
	video   *encoder.Encoder
	audio   *encoder.Encoder
	muxer   *muxer.Muxer
}

// NewSession prepares an export of src. Nothing runs until Run or Start.
func NewSession(id string, cfg core.ExportConfig, src sampler.Source, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		cfg:       cfg.WithDefaults(),
		src:       src,
		opts:      opts,
		logger:    logger.With("component", "export_session", "session", id),
		clock:     opts.Clock,
		createdAt: opts.Clock.Now(),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string                { return s.id }
func (s *Session) SourceKey() string         { return s.sourceKey }
func (s *Session) Config() core.ExportConfig { return s.cfg }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the last reported progress.
func (s *Session) Progress() core.ExportProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Result returns the terminal result once available.
func (s *Session) Result() (core.ExportResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return core.ExportResult{}, false
	}
	return *s.result, true
}

// FinishedAt is the time the session reached its terminal state.
func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// OnProgress registers a progress observer. Updates already reported are not
// replayed.
func (s *Session) OnProgress(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressFns = append(s.progressFns, fn)
}

// OnResult registers a result observer. It fires immediately when the session
// has already finished.
func (s *Session) OnResult(fn ResultFunc) {
	s.mu.Lock()
	if s.result != nil {
		res := *s.result
		s.mu.Unlock()
		fn(res)
		return
	}
	s.resultFns = append(s.resultFns, fn)
	s.mu.Unlock()
}

// Cancel asks the session to stop at the next frame boundary. It never fails
// and may be called any number of times.
func (s *Session) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cancel := s.cancelFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("Export cancellation requested")
}

// Start runs the export on its own goroutine.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Run executes the export and blocks until it reaches a terminal state.
func (s *Session) Run(ctx context.Context) core.ExportResult {
	if s.started.CompareAndSwap(false, true) {
		s.run(ctx)
	}
	return s.Wait()
}

// Wait blocks until the session finished and returns its result.
func (s *Session) Wait() core.ExportResult {
	<-s.done
	res, _ := s.Result()
	return res
}

func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()
	if s.cancelled.Load() {
		cancel()
	}

	res := s.export(ctx)
	s.release()
	s.finish(res)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Info("Export state changed", "from", prev.String(), "to", st.String())
}

// interrupted reports whether Cancel was called or the caller's context ended.
func (s *Session) interrupted(ctx context.Context) bool {
	if s.cancelled.Load() {
		return true
	}
	if ctx.Err() != nil {
		s.cancelled.Store(true)
		s.logger.Info("Export context ended", "cause", context.Cause(ctx))
		return true
	}
	return false
}

// stop turns an error into the terminal result: cancellation wins over the
// failure it caused.
func (s *Session) stop(ctx context.Context, stage core.Stage, err error) core.ExportResult {
	if s.interrupted(ctx) || core.KindOf(err) == core.KindCancelled {
		return core.ExportResult{Cancelled: true}
	}
	exportErr := core.NewExportError(stage, s.Progress().CurrentFrame, err)
	return core.ExportResult{Err: exportErr}
}

func (s *Session) export(ctx context.Context) core.ExportResult {
	s.setState(StateInitializing)
	if err := s.initialize(ctx); err != nil {
		return s.stop(ctx, core.StageInitialize, err)
	}
	if s.interrupted(ctx) {
		return core.ExportResult{Cancelled: true}
	}

	s.setState(StateRunning)
	total := s.cfg.TotalFrames()
	eta := newETAEstimator(s.clock, total)
	withAudio := s.audio != nil && s.sampler.Info().HasAudio

	s.logger.Info("Export started", "config", s.cfg.String(), "total_frames", total, "audio_source", withAudio)

	for i := 0; i < total; i++ {
		if s.interrupted(ctx) {
			return core.ExportResult{Cancelled: true}
		}

		t := s.cfg.FrameTimestamp(i)
		frame, err := s.sampler.SampleAt(ctx, t)
		if err != nil {
			return s.stop(ctx, core.StageSample, err)
		}
		if err := s.video.Submit(ctx, core.RawSample{Frame: frame}, t); err != nil {
			return s.stop(ctx, core.StageEncode, err)
		}
		if withAudio {
			if stage, err := s.submitAudio(ctx, i); err != nil {
				return s.stop(ctx, stage, err)
			}
		}
		if stage, err := s.drain(); err != nil {
			return s.stop(ctx, stage, err)
		}

		current := i + 1
		s.report(core.NewProgress(current, total, eta.observe(current)))
	}

	if s.interrupted(ctx) {
		return core.ExportResult{Cancelled: true}
	}
	if stage, err := s.flush(ctx); err != nil {
		return s.stop(ctx, stage, err)
	}
	data, err := s.muxer.Finalize()
	if err != nil {
		return s.stop(ctx, core.StageFinalize, err)
	}

	s.logger.Info("Export finished", "bytes", len(data), "elapsed", eta.Elapsed())
	return core.ExportResult{Data: data, MIMEType: s.muxer.MIMEType()}
}

func (s *Session) initialize(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.sampler = sampler.New(s.src, sampler.Options{
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		OpenTimeout: s.opts.OpenTimeout,
		SeekTimeout: s.opts.SeekTimeout,
		Logger:      s.logger,
	})
	if _, err := s.sampler.Open(ctx); err != nil {
		return err
	}

	video, err := encoder.New(core.TrackVideo, encoder.Params{
		Codec:            s.cfg.VideoCodec,
		Width:            s.cfg.Width,
		Height:           s.cfg.Height,
		FrameRate:        s.cfg.FrameRate,
		Bitrate:          s.cfg.VideoBitrate,
		KeyframeInterval: s.cfg.KeyframeInterval,
		FFmpegPath:       s.opts.FFmpegPath,
	}, s.encoderOptions(s.cfg.VideoCodec))
	if err != nil {
		return err
	}
	s.video = video

	if s.cfg.Audio != nil {
		audio, err := encoder.New(core.TrackAudio, encoder.Params{
			Codec:      s.cfg.Audio.Codec,
			Channels:   s.cfg.Audio.Channels,
			SampleRate: s.cfg.Audio.SampleRate,
			FFmpegPath: s.opts.FFmpegPath,
		}, s.encoderOptions(s.cfg.Audio.Codec))
		if err != nil {
			return err
		}
		s.audio = audio
	}

	mux, err := muxer.New(s.cfg.Container, muxer.Options{GroupDuration: s.opts.GroupDuration, Logger: s.logger})
	if err != nil {
		return err
	}
	if err := mux.Initialize(muxer.DescriptorFromConfig(s.cfg)); err != nil {
		return err
	}
	s.muxer = mux
	return nil
}

func (s *Session) encoderOptions(codec string) encoder.Options {
	return encoder.Options{
		QueueSize:    s.opts.QueueSize,
		FlushTimeout: s.opts.FlushTimeout,
		Factory:      s.opts.Codecs[core.CanonicalCodec(codec)],
		Logger:       s.logger,
	}
}

// submitAudio renders the audio that plays during output frame i. Block
// boundaries come from the frame index so they never drift.
func (s *Session) submitAudio(ctx context.Context, i int) (core.Stage, error) {
	a := s.cfg.Audio
	from := s.cfg.AudioSamplesBefore(i)
	frames := int(s.cfg.AudioSamplesBefore(i+1) - from)
	if frames <= 0 {
		return "", nil
	}
	start := time.Duration(from * int64(time.Second) / int64(a.SampleRate))

	pcm, err := s.sampler.AudioAt(ctx, start, frames, a.Channels, a.SampleRate)
	if err != nil {
		return core.StageSample, err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if want := frames * a.Channels; len(pcm) < want {
		pcm = append(pcm, make([]int16, want-len(pcm))...)
	}
	if err := s.audio.Submit(ctx, core.RawSample{PCM: pcm}, start); err != nil {
		return core.StageEncode, err
	}
	return "", nil
}

// drain moves every ready chunk into the muxer.
func (s *Session) drain() (core.Stage, error) {
	for _, enc := range s.encoders() {
		chunks, encErr := enc.Drain()
		if err := s.addChunks(chunks); err != nil {
			return core.StageMux, err
		}
		if encErr != nil {
			return core.StageEncode, encErr
		}
	}
	return "", nil
}

func (s *Session) flush(ctx context.Context) (core.Stage, error) {
	for _, enc := range s.encoders() {
		chunks, err := enc.Flush(ctx)
		if err != nil {
			return core.StageEncode, err
		}
		if err := s.addChunks(chunks); err != nil {
			return core.StageMux, err
		}
	}
	return "", nil
}

func (s *Session) addChunks(chunks []core.EncodedChunk) error {
	for _, c := range chunks {
		if err := s.muxer.AddChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) encoders() []*encoder.Encoder {
	if s.audio == nil {
		return []*encoder.Encoder{s.video}
	}
	return []*encoder.Encoder{s.video, s.audio}
}

func (s *Session) report(p core.ExportProgress) {
	s.mu.Lock()
	s.progress = p
	fns := append([]ProgressFunc(nil), s.progressFns...)
	s.mu.Unlock()

	s.logger.Debug("Export progress", "frame", p.CurrentFrame, "total", p.TotalFrames, "eta", p.EstimatedTimeRemaining)
	for _, fn := range fns {
		fn(p)
	}
}

// release closes everything the session owns.
func (s *Session) release() {
	if s.sampler != nil {
		if err := s.sampler.Close(); err != nil {
			s.logger.Warn("Failed to close sampler", "error", err)
		}
	}
	for _, enc := range []*encoder.Encoder{s.video, s.audio} {
		if enc == nil {
			continue
		}
		if err := enc.Close(); err != nil {
			s.logger.Warn("Failed to close encoder", "track", enc.Track().String(), "error", err)
		}
	}
	s.muxer = nil
}

func (s *Session) finish(res core.ExportResult) {
	state := StateCompleted
	switch {
	case res.Cancelled:
		state = StateCancelled
	case res.Err != nil:
		state = StateFailed
		s.logger.Error("Export failed",
			"kind", string(res.Err.Kind), "stage", string(res.Err.Stage),
			"last_frame", res.Err.LastFrame, "error", res.Err.Err)
	}

	s.mu.Lock()
	s.state = state
	s.result = &res
	s.finishedAt = s.clock.Now()
	fns := s.resultFns
	s.resultFns = nil
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("Export session ended", "state", state.String())
	for _, fn := range fns {
		fn(res)
	}
}
