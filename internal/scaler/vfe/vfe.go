// Package vfe implements an asynchronous scaler backend modelled on a video
// front-end processor. Jobs queue on a per-session goroutine; Scale returns
// as soon as the job is queued. Buffer release may trail completion by a
// configurable delay, which an abort cuts short.
package vfe

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/scalerd/internal/scaler"
	"golang.org/x/image/draw"
	"gopkg.in/tomb.v2"
)

// Name is the backend name.
const Name = "vfe"

// DefaultQueueDepth is the per-session job queue depth.
const DefaultQueueDepth = 4

// ErrQueueFull is returned by Scale when the session queue is full.
var ErrQueueFull = errors.New("vfe: job queue full")

// Options configures the vfe backend.
type Options struct {
	Interpolator string
	// ReleaseDelay holds buffers after completion.
	ReleaseDelay time.Duration
	// QueueDepth bounds queued jobs per session. Defaults to DefaultQueueDepth.
	QueueDepth int
	Logger     *slog.Logger
}

// Backend runs jobs on one goroutine per session.
type Backend struct {
	interp draw.Interpolator
	delay  time.Duration
	depth  int
	logger *slog.Logger
}

// New creates a vfe backend.
func New(opts Options) (*Backend, error) {
	interp, err := scaler.ParseInterpolator(opts.Interpolator)
	if err != nil {
		return nil, fmt.Errorf("vfe: %w", err)
	}
	if opts.ReleaseDelay < 0 {
		return nil, fmt.Errorf("vfe: %w: negative release delay", scaler.ErrInvalidArgument)
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		interp: interp,
		delay:  opts.ReleaseDelay,
		depth:  depth,
		logger: logger,
	}, nil
}

// Name implements scaler.Backend.
func (b *Backend) Name() string {
	return Name
}

// Capabilities implements scaler.Backend.
func (b *Backend) Capabilities() scaler.Capabilities {
	return scaler.CapResize | scaler.CapCrop | scaler.CapFormatConvert | scaler.CapAsyncRelease
}

type queuedJob struct {
	job   scaler.Job
	epoch uint64
}

type processor struct {
	interp draw.Interpolator
	delay  time.Duration
	logger *slog.Logger

	jobs chan queuedJob
	t    tomb.Tomb

	mu    sync.Mutex
	epoch uint64
	flush chan struct{}
}

// Open implements scaler.Backend. It starts the session processor.
func (b *Backend) Open(s *scaler.Session) (any, error) {
	p := &processor{
		interp: b.interp,
		delay:  b.delay,
		logger: b.logger.With(slog.String("session_id", s.ID().String())),
		jobs:   make(chan queuedJob, b.depth),
		flush:  make(chan struct{}),
	}
	p.t.Go(p.run)
	return p, nil
}

// Close implements scaler.Backend. It stops the processor and releases any
// job still queued.
func (b *Backend) Close(s *scaler.Session) error {
	p, err := processorOf(s)
	if err != nil {
		return err
	}
	p.t.Kill(nil)
	return p.t.Wait()
}

// Scale implements scaler.Backend.
func (b *Backend) Scale(s *scaler.Session, job scaler.Job) error {
	p, err := processorOf(s)
	if err != nil {
		return err
	}
	if job.Input == nil || job.Output == nil {
		return fmt.Errorf("%w: frame %d has no pixel buffers", scaler.ErrInvalidArgument, job.FrameID)
	}

	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	select {
	case p.jobs <- queuedJob{job: job, epoch: epoch}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Abort implements scaler.Backend. Queued jobs complete as invalid and held
// buffers are released immediately.
func (b *Backend) Abort(s *scaler.Session) error {
	p, err := processorOf(s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.epoch++
	close(p.flush)
	p.flush = make(chan struct{})
	p.mu.Unlock()
	return nil
}

func processorOf(s *scaler.Session) (*processor, error) {
	p, ok := s.HWContext().(*processor)
	if !ok {
		return nil, fmt.Errorf("%w: vfe session context missing", scaler.ErrInternal)
	}
	return p, nil
}

func (p *processor) run() error {
	for {
		select {
		case <-p.t.Dying():
			p.drain()
			return nil
		case qj := <-p.jobs:
			p.process(qj)
		}
	}
}

func (p *processor) process(qj queuedJob) {
	p.mu.Lock()
	aborted := qj.epoch != p.epoch
	flush := p.flush
	p.mu.Unlock()

	job := qj.job
	if aborted {
		job.Done.ScalingCompleted(false)
		job.Done.BufferReleased()
		return
	}

	err := scaler.RenderRect(job, alignEven(job.OutputActive), p.interp)
	if err != nil {
		p.logger.Warn("vfe render failed",
			slog.Uint64("frame_id", uint64(job.FrameID)),
			slog.String("error", err.Error()),
		)
	}
	job.Done.ScalingCompleted(err == nil)

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-timer.C:
		case <-flush:
		case <-p.t.Dying():
		}
		timer.Stop()
	}
	job.Done.BufferReleased()
}

func (p *processor) drain() {
	for {
		select {
		case qj := <-p.jobs:
			qj.job.Done.ScalingCompleted(false)
			qj.job.Done.BufferReleased()
		default:
			return
		}
	}
}

// alignEven trims r to even width and height. Rectangles narrower than two
// pixels on an axis are left unchanged on that axis.
func alignEven(r image.Rectangle) image.Rectangle {
	if r.Dx() > 1 && r.Dx()%2 != 0 {
		r.Max.X--
	}
	if r.Dy() > 1 && r.Dy()%2 != 0 {
		r.Max.Y--
	}
	return r
}
