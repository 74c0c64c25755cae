package engine

import "github.com/chongxuan2024/live2dSpeek/internal/schedule"

// Phase is the coarse engine state
type Phase string

const (
	// PhaseStopped: nothing is playing
	PhaseStopped Phase = "stopped"
	// PhaseIdle: the idle loop owns the source
	PhaseIdle Phase = "idle"
	// PhaseStopping: the idle loop was told to stop and is finishing its step
	PhaseStopping Phase = "stopping"
	// PhaseSyncing: a sync run owns the source
	PhaseSyncing Phase = "syncing"
)

// State is a point-in-time snapshot of the engine
type State struct {
	Phase              Phase          `json:"phase"`
	IdleLoopActive     bool           `json:"idleLoopActive"`
	SyncInProgress     bool           `json:"syncInProgress"`
	InterruptRequested bool           `json:"interruptRequested"`
	Loaded             bool           `json:"loaded"`
	ActiveStep         *schedule.Step `json:"activeStep,omitempty"`
}
