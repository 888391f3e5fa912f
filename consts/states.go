package consts

// AccountState is one account's processing lifecycle state.
type AccountState string

const (
	StateStopped            AccountState = "stopped"
	StateStarting           AccountState = "starting"
	StateRunningStartup     AccountState = "running_startup"
	StateRunningMaintenance AccountState = "running_maintenance"
	StateStopping           AccountState = "stopping"
	StateError              AccountState = "error"
)

// Running reports whether the state accepts classification work.
func (s AccountState) Running() bool {
	return s == StateRunningStartup || s == StateRunningMaintenance
}

// ProcessingMode selects how an account's classification runs: startup is
// operator-paced backlog draining, maintenance is scheduler-driven.
type ProcessingMode string

const (
	ModeStartup     ProcessingMode = "startup"
	ModeMaintenance ProcessingMode = "maintenance"
)

// StateForMode maps a mode to its running state.
func StateForMode(mode ProcessingMode) AccountState {
	if mode == ModeStartup {
		return StateRunningStartup
	}
	return StateRunningMaintenance
}
