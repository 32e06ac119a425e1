package encoder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// streamParser turns an encoder's byte stream into packets. It is only used
// from the process reader goroutine and, after the stream ended, from finish.
type streamParser interface {
	feed(p []byte) ([]Packet, error)
	flush() ([]Packet, error)
}

// ffmpegProcess drives one ffmpeg encoding subprocess: raw samples are written
// to its stdin while a reader goroutine parses stdout into packets.
type ffmpegProcess struct {
	name   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr lockedBuffer

	parser   streamParser
	readDone chan struct{}

	mu      sync.Mutex
	ready   []Packet
	readErr error

	stopOnce sync.Once
	waitOnce sync.Once
	waitErr  error
}

// stopGrace is how long a stopped process gets before it is killed.
const stopGrace = 2 * time.Second

func startFFmpeg(name, binary string, args []string, parser streamParser, logger *slog.Logger) (*ffmpegProcess, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: ffmpeg not available", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ffmpegProcess{
		name:     name,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		parser:   parser,
		readDone: make(chan struct{}),
	}
	p.cmd = exec.CommandContext(ctx, path, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	p.cmd.Stderr = &p.stderr

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "%s: stdin pipe", name)
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.stdin.Close()
		cancel()
		return nil, errors.Wrapf(err, "%s: stdout pipe", name)
	}
	p.stdout = stdout

	if err := p.cmd.Start(); err != nil {
		p.stdin.Close()
		p.stdout.Close()
		cancel()
		return nil, errors.Wrapf(err, "%s: failed to start ffmpeg", name)
	}
	p.logger.Debug("FFmpeg encoder started", "codec", name, "pid", p.cmd.Process.Pid)

	go p.readOutputLoop()
	return p, nil
}

func (p *ffmpegProcess) readOutputLoop() {
	defer close(p.readDone)

	buf := make([]byte, 64*1024)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			pkts, perr := p.parser.feed(buf[:n])
			p.mu.Lock()
			p.ready = append(p.ready, pkts...)
			if perr != nil && p.readErr == nil {
				p.readErr = perr
			}
			p.mu.Unlock()
			if perr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.mu.Lock()
				if p.readErr == nil {
					p.readErr = errors.Wrapf(err, "%s: read failed", p.name)
				}
				p.mu.Unlock()
			}
			return
		}
	}
}

// write feeds raw input to the encoder.
func (p *ffmpegProcess) write(data []byte) error {
	if err := p.failure(); err != nil {
		return err
	}
	if _, err := p.stdin.Write(data); err != nil {
		return errors.Wrapf(err, "%s: write failed: %s", p.name, p.stderrTail())
	}
	return nil
}

// collect returns packets parsed so far.
func (p *ffmpegProcess) collect() []Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.ready
	p.ready = nil
	return out
}

func (p *ffmpegProcess) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readErr
}

// finish closes stdin, waits for the encoder to drain and returns the rest of
// the packets.
func (p *ffmpegProcess) finish() ([]Packet, error) {
	p.stdin.Close()
	<-p.readDone

	waitErr := p.wait()
	p.stopOnce.Do(p.cancel)

	if err := p.failure(); err != nil {
		return p.collect(), err
	}
	if waitErr != nil {
		return p.collect(), errors.Wrapf(waitErr, "%s: ffmpeg exited: %s", p.name, p.stderrTail())
	}

	rest, err := p.parser.flush()
	out := append(p.collect(), rest...)
	p.logger.Debug("FFmpeg encoder finished", "codec", p.name)
	return out, err
}

// stop terminates the process, gracefully first.
func (p *ffmpegProcess) stop() {
	p.stopOnce.Do(func() {
		p.stdin.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-p.readDone:
		case <-time.After(stopGrace):
			p.logger.Warn("FFmpeg encoder force killed", "codec", p.name)
		}
		p.cancel()
		p.stdout.Close()
		go p.wait()
	})
}

func (p *ffmpegProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// lockedBuffer collects stderr, which exec copies on its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (p *ffmpegProcess) stderrTail() string {
	s := strings.TrimSpace(p.stderr.String())
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
