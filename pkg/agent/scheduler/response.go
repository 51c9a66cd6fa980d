package scheduler

import (
	"errors"

	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/types"
)

// successResponse wraps tool output as a function response.
func successResponse(req types.ToolCallRequest, result *tools.Result) *types.ToolCallResponse {
	payload := map[string]any{"output": result.Output}
	display := result.Display
	if display == "" {
		display = result.Output
	}
	return &types.ToolCallResponse{
		CallID:  req.CallID,
		Name:    req.Name,
		Status:  types.ToolCallSuccess,
		Display: display,
		Part:    types.NewFunctionResponsePart(req.CallID, req.Name, payload),
	}
}

// errorResponse reports a failed call. The error payload still counts as
// the call's response.
func errorResponse(req types.ToolCallRequest, err error, errType tools.ErrorType) *types.ToolCallResponse {
	if err == nil {
		err = errors.New("unknown tool error")
	}
	return &types.ToolCallResponse{
		CallID:    req.CallID,
		Name:      req.Name,
		Status:    types.ToolCallError,
		Error:     err,
		ErrorType: string(errType),
		Display:   err.Error(),
		Part:      types.NewFunctionResponsePart(req.CallID, req.Name, map[string]any{"error": err.Error()}),
	}
}

func cancelledResponse(req types.ToolCallRequest, reason string) *types.ToolCallResponse {
	return &types.ToolCallResponse{
		CallID:    req.CallID,
		Name:      req.Name,
		Status:    types.ToolCallCancelled,
		Error:     errors.New(reason),
		ErrorType: string(tools.ErrorCancelled),
		Display:   reason,
		Part:      types.NewFunctionResponsePart(req.CallID, req.Name, map[string]any{"error": reason}),
	}
}

// ResponseParts projects batch responses onto message parts, in order.
func ResponseParts(responses []*types.ToolCallResponse) []types.Part {
	parts := make([]types.Part, 0, len(responses))
	for _, r := range responses {
		if r == nil {
			continue
		}
		parts = append(parts, r.Part)
	}
	return parts
}

// CancelledParts builds cancellation responses for calls that never reached
// the scheduler, keeping the call/response pairing intact.
func CancelledParts(reqs []types.ToolCallRequest) []types.Part {
	parts := make([]types.Part, 0, len(reqs))
	for _, req := range reqs {
		parts = append(parts, cancelledResponse(req, cancelledBySignal).Part)
	}
	return parts
}
