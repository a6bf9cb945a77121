package transcription

import (
	"sync/atomic"

	"github.com/fmueller/whisperd/internal/whisper"
)

type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

type slot struct {
	state  State
	engine whisper.Engine
	err    error
}

// Handle owns the loaded engine. It is written once during startup and read
// concurrently by request handlers.
type Handle struct {
	current atomic.Pointer[slot]
}

func (h *Handle) load() *slot {
	if s := h.current.Load(); s != nil {
		return s
	}
	return &slot{state: StateUnloaded}
}

func (h *Handle) State() State {
	return h.load().state
}

// Engine returns the engine when the handle is ready.
func (h *Handle) Engine() (whisper.Engine, bool) {
	s := h.load()
	if s.state != StateReady || s.engine == nil {
		return nil, false
	}
	return s.engine, true
}

// Err is the load failure, if any.
func (h *Handle) Err() error {
	return h.load().err
}

func (h *Handle) set(state State, engine whisper.Engine, err error) {
	h.current.Store(&slot{state: state, engine: engine, err: err})
}
