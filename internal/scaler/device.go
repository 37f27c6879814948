package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jmylchreest/scalerd/internal/observability"
)

// EngineSpec declares one engine of a Device.
type EngineSpec struct {
	ID      int
	Backend Backend
}

// Device owns a fixed set of engines. Workers start with the first open
// session and stop after the last one closes.
type Device struct {
	logger *slog.Logger

	mu      sync.Mutex
	engines map[int]*Engine
	order   []int
	refs    int
}

// NewDevice creates the engines described by specs. Engine ids must be
// unique and every spec needs a backend.
func NewDevice(specs []EngineSpec, opts Options) (*Device, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no engines configured", ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	d := &Device{
		logger:  observability.WithComponent(opts.Logger, "device"),
		engines: make(map[int]*Engine, len(specs)),
		order:   make([]int, 0, len(specs)),
	}
	for _, spec := range specs {
		if spec.Backend == nil {
			return nil, fmt.Errorf("%w: engine %d has no backend", ErrInvalidArgument, spec.ID)
		}
		if _, exists := d.engines[spec.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate engine id %d", ErrInvalidArgument, spec.ID)
		}
		d.engines[spec.ID] = NewEngine(spec.ID, spec.Backend, opts)
		d.order = append(d.order, spec.ID)
	}
	sort.Ints(d.order)
	return d, nil
}

// Engines returns every engine ordered by id.
func (d *Device) Engines() []*Engine {
	engines := make([]*Engine, 0, len(d.order))
	for _, id := range d.order {
		engines = append(engines, d.engines[id])
	}
	return engines
}

// Engine returns the engine with the given id.
func (d *Device) Engine(id int) (*Engine, error) {
	e, ok := d.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine %d", ErrInvalidArgument, id)
	}
	return e, nil
}

// Open opens a session on engine id, starting the engines if this is the
// first open session of the device.
func (d *Device) Open(id int, cfg SessionConfig) (Handle, error) {
	e, err := d.Engine(id)
	if err != nil {
		return Handle{}, err
	}

	d.acquire()
	h, err := e.Open(cfg)
	if err != nil {
		d.release()
		return Handle{}, err
	}
	h.device = d
	return h, nil
}

// Refs returns the number of open sessions across all engines.
func (d *Device) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// Stop stops every engine regardless of open sessions.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.refs = 0
	d.stopEngines()
}

func (d *Device) close(ctx context.Context, h Handle) error {
	err := h.engine.Close(ctx, h)
	if errors.Is(err, ErrInvalidHandle) || h.engine.isOpen(h) {
		return err
	}
	d.release()
	return err
}

func (d *Device) acquire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		d.logger.Info("starting engines", slog.Int("engines", len(d.order)))
		for _, id := range d.order {
			d.engines[id].Start()
		}
	}
	d.refs++
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 {
		d.stopEngines()
	}
}

// stopEngines stops all workers. Caller holds d.mu.
func (d *Device) stopEngines() {
	d.logger.Info("stopping engines", slog.Int("engines", len(d.order)))
	for _, id := range d.order {
		d.engines[id].Stop()
	}
}
