package scheduler

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/entrhq/conductor/pkg/types"
)

const (
	eventValidated       = "validated"
	eventRequireApproval = "require_approval"
	eventReject          = "reject"
	eventApprove         = "approve"
	eventCancel          = "cancel"
	eventExecute         = "execute"
	eventSucceed         = "succeed"
	eventFail            = "fail"
)

func callFSMEvents() fsm.Events {
	validating := string(types.ToolCallValidating)
	scheduled := string(types.ToolCallScheduled)
	awaiting := string(types.ToolCallAwaitingApproval)
	executing := string(types.ToolCallExecuting)

	return fsm.Events{
		{Name: eventValidated, Src: []string{validating}, Dst: scheduled},
		{Name: eventRequireApproval, Src: []string{validating}, Dst: awaiting},
		{Name: eventReject, Src: []string{validating}, Dst: string(types.ToolCallError)},
		{Name: eventApprove, Src: []string{awaiting}, Dst: scheduled},
		{Name: eventCancel, Src: []string{validating, awaiting, scheduled, executing}, Dst: string(types.ToolCallCancelled)},
		{Name: eventExecute, Src: []string{scheduled}, Dst: executing},
		{Name: eventSucceed, Src: []string{executing}, Dst: string(types.ToolCallSuccess)},
		{Name: eventFail, Src: []string{executing}, Dst: string(types.ToolCallError)},
	}
}

// newCallFSM creates the lifecycle machine for one tool call. Transition
// logging happens through the after_event callback.
func newCallFSM(onTransition func(e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(string(types.ToolCallValidating), callFSMEvents(), fsm.Callbacks{
		"after_event": func(_ context.Context, e *fsm.Event) {
			if onTransition != nil {
				onTransition(e)
			}
		},
	})
}
