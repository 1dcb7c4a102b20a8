package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSwitch is an in-process PauseView toggled by operators.
type PauseSwitch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSwitch returns a switch with the given modules paused.
func NewPauseSwitch(paused ...string) *PauseSwitch {
	s := &PauseSwitch{paused: make(map[string]bool)}
	for _, module := range paused {
		s.paused[module] = true
	}
	return s
}

func (s *PauseSwitch) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}

// Pause halts the module.
func (s *PauseSwitch) Pause(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[module] = true
}

// Resume re-enables the module.
func (s *PauseSwitch) Resume(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, module)
}

// ModuleAccess exposes a single module's pause flag as an emergency shutdown
// switch.
type ModuleAccess struct {
	View   PauseView
	Module string
}

// IsShutdown reports whether the module is paused.
func (a ModuleAccess) IsShutdown() bool {
	return Guard(a.View, a.Module) != nil
}
