package state

import "sync/atomic"

// PauseSwitch is the emergency stop. A paused pool refuses new investments;
// withdrawals and admin operations keep working.
type PauseSwitch struct {
	paused atomic.Bool
}

func (p *PauseSwitch) IsPaused() bool {
	return p.paused.Load()
}

func (p *PauseSwitch) Pause() error {
	if !p.paused.CompareAndSwap(false, true) {
		return ErrAlreadyPaused
	}
	return nil
}

func (p *PauseSwitch) Unpause() error {
	if !p.paused.CompareAndSwap(true, false) {
		return ErrNotPaused
	}
	return nil
}

// Set forces the flag (snapshot restore and replay only)
func (p *PauseSwitch) Set(paused bool) {
	p.paused.Store(paused)
}
