package scaler

// Stats is a snapshot of engine counters and gauges.
type Stats struct {
	// PicQueued counts tasks admitted by Dispatch.
	PicQueued uint64 `json:"pic_queued"`
	// PicTreatedValid counts tasks completed with valid content.
	PicTreatedValid uint64 `json:"pic_treated_valid"`
	// PicTreatedInvalid counts tasks completed without valid content,
	// including backend rejects. Tasks completed or flushed while their
	// session aborts count in neither treated counter.
	PicTreatedInvalid uint64 `json:"pic_treated_invalid"`
	InputBufReleased  uint64 `json:"input_buf_released"`
	OutputBufReleased uint64 `json:"output_buf_released"`
	// BusyRejections counts Dispatch calls refused with ErrBusy.
	BusyRejections uint64 `json:"busy_rejections"`
	// BackendRejections counts Scale calls that returned an error.
	BackendRejections uint64 `json:"backend_rejections"`

	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Sessions  int `json:"sessions"`
	FreeTasks int `json:"free_tasks"`
	Capacity  int `json:"capacity"`
}

type counters struct {
	picQueued         uint64
	picValid          uint64
	picInvalid        uint64
	inputReleased     uint64
	outputReleased    uint64
	busyRejections    uint64
	backendRejections uint64
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		PicQueued:         e.counters.picQueued,
		PicTreatedValid:   e.counters.picValid,
		PicTreatedInvalid: e.counters.picInvalid,
		InputBufReleased:  e.counters.inputReleased,
		OutputBufReleased: e.counters.outputReleased,
		BusyRejections:    e.counters.busyRejections,
		BackendRejections: e.counters.backendRejections,
		Pending:           e.pending.Len(),
		Running:           e.running.Len(),
		Sessions:          e.sessionQ.Len(),
		FreeTasks:         e.tasks.Free(),
		Capacity:          e.tasks.Cap(),
	}
}
