package workflow

import (
	"context"

	"github.com/looplab/fsm"
)

// Step names. These appear in log output and API payloads.
const (
	StepIdle             = "idle"
	StepFetchingFirmware = "fetching-firmware"
	StepSavingBackup     = "saving-backup"
	StepStartingRecovery = "starting-recovery"
	StepInstallingRadio  = "installing-radio"
	StepFlashingFirmware = "flashing-firmware"
	StepExitingRecovery  = "exiting-recovery"
	StepInstallingAssets = "installing-assets"
	StepRestoringBackup  = "restoring-backup"
	StepRestartingDevice = "restarting-device"
	StepSucceeded        = "succeeded"
	StepFailed           = "failed"
)

const (
	eventAdvance = "advance"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

// machine tracks workflow progression. The transition table is built
// from the plan, so a helper can only move along its declared chain;
// any other sequencing is a bug the fsm turns into an error.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(plan []step, onStep func(string)) *machine {
	states := make([]string, 0, len(plan)+1)
	states = append(states, StepIdle)
	for _, s := range plan {
		states = append(states, s.name)
	}

	events := fsm.Events{}
	for i := 0; i < len(states)-1; i++ {
		events = append(events, fsm.EventDesc{
			Name: eventAdvance,
			Src:  []string{states[i]},
			Dst:  states[i+1],
		})
	}
	events = append(events, fsm.EventDesc{
		Name: eventSucceed,
		Src:  []string{states[len(states)-1]},
		Dst:  StepSucceeded,
	})
	events = append(events, fsm.EventDesc{
		Name: eventFail,
		Src:  states,
		Dst:  StepFailed,
	})

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			if onStep != nil {
				onStep(e.Dst)
			}
		},
	}

	return &machine{fsm: fsm.NewFSM(StepIdle, events, callbacks)}
}

func (m *machine) Current() string { return m.fsm.Current() }

func (m *machine) Advance(ctx context.Context) error {
	return m.fsm.Event(ctx, eventAdvance)
}

func (m *machine) Succeed(ctx context.Context) error {
	return m.fsm.Event(ctx, eventSucceed)
}

func (m *machine) Fail(ctx context.Context) {
	m.fsm.Event(ctx, eventFail) //nolint:errcheck // Failing twice is harmless
}
