package collector

import "sync/atomic"

// PauseFlag is the operator's manual stand-down switch for the direct
// collector. It starts unpaused and is never persisted.
type PauseFlag struct {
	paused atomic.Bool
}

// NewPauseFlag returns an unpaused flag
func NewPauseFlag() *PauseFlag {
	return &PauseFlag{}
}

// Paused reports the current value
func (p *PauseFlag) Paused() bool {
	return p.paused.Load()
}

// Set stores v and reports whether the value changed
func (p *PauseFlag) Set(v bool) bool {
	return p.paused.Swap(v) != v
}

// Pause sets the flag and reports whether it changed
func (p *PauseFlag) Pause() bool {
	return p.Set(true)
}

// Resume clears the flag and reports whether it changed
func (p *PauseFlag) Resume() bool {
	return p.Set(false)
}
