package scaler

import (
	"image"
	"image/draw"
	"strings"
	"time"

	"github.com/jmylchreest/scalerd/pkg/slab"
)

// Backend drives one scaling resource. Open and Close run on the caller's
// goroutine. Scale and Abort run on the engine worker and never concurrently
// with each other.
type Backend interface {
	// Name returns a short identifier such as "blit".
	Name() string

	// Capabilities reports what the backend can do.
	Capabilities() Capabilities

	// Open creates the backend context for a session. The returned value is
	// available through Session.HWContext.
	Open(s *Session) (any, error)

	// Close releases the backend context.
	Close(s *Session) error

	// Scale starts work for one job. On success the backend must eventually
	// call job.Done.ScalingCompleted once and job.Done.BufferReleased once, in
	// either order and from any goroutine. On error the engine force-completes
	// the task and neither call is expected.
	Scale(s *Session, job Job) error

	// Abort asks the backend to flush outstanding work for the session. It
	// must not block waiting for the flush.
	Abort(s *Session) error
}

// Job is one validated scaling request handed to a backend.
type Job struct {
	FrameID uint32

	Input     image.Image
	InputSize Size
	// InputCrop is clamped to InputSize.
	InputCrop image.Rectangle

	Output     draw.Image
	OutputSize Size
	// OutputActive is clamped to OutputSize.
	OutputActive image.Rectangle

	Done Completion
}

// Completion signals the progress of one job back to its engine. It is a
// small value and may be copied freely. Signals for a task that has already
// been force-completed are dropped.
type Completion struct {
	engine *Engine
	ref    slab.Ref
}

// ScalingCompleted reports that the backend finished producing output.
func (c Completion) ScalingCompleted(valid bool) {
	if c.engine == nil {
		return
	}
	c.engine.post(signal{kind: signalTaskDone, ref: c.ref, valid: valid, at: c.engine.now()})
}

// BufferReleased reports that the backend no longer touches the buffers.
func (c Completion) BufferReleased() {
	if c.engine == nil {
		return
	}
	c.engine.post(signal{kind: signalBufferDone, ref: c.ref})
}

// Capabilities is a set of backend feature bits.
type Capabilities uint32

// Backend capability bits.
const (
	CapResize Capabilities = 1 << iota
	CapCrop
	CapFormatConvert
	CapDeinterlace
	CapAsyncRelease
)

var capabilityNames = []struct {
	bit  Capabilities
	name string
}{
	{CapResize, "resize"},
	{CapCrop, "crop"},
	{CapFormatConvert, "format_convert"},
	{CapDeinterlace, "deinterlace"},
	{CapAsyncRelease, "async_release"},
}

// Has reports whether every bit in want is set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// Names returns the names of the set bits.
func (c Capabilities) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if c&cn.bit != 0 {
			names = append(names, cn.name)
		}
	}
	return names
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Names(), "|")
}

type signalKind uint8

const (
	signalTaskDone signalKind = iota + 1
	signalBufferDone
)

type signal struct {
	kind  signalKind
	ref   slab.Ref
	valid bool
	at    time.Time
}
