package agent

import (
	"context"
	"time"

	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/llm"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/types"
)

const (
	speakerUser  = "user"
	speakerModel = "model"

	continuationPrompt = prompts.ContinuationPrompt
)

var nextSpeakerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning":    map[string]any{"type": "string"},
		"next_speaker": map[string]any{"type": "string", "enum": []string{speakerUser, speakerModel}},
	},
	"required": []string{"reasoning", "next_speaker"},
}

// checkNextSpeaker decides whether the model should keep talking without new
// user input. It returns "" when no decision could be made.
func (c *Client) checkNextSpeaker(ctx context.Context, chat *Chat, promptID, model string) string {
	history := chat.AccountedHistory()
	if len(history) == 0 {
		return ""
	}

	last := history[len(history)-1]
	switch {
	case last.Role == types.RoleUser && last.HasFunctionResponse():
		return speakerModel
	case last.Role == types.RoleModel && len(last.Parts) == 0:
		return speakerModel
	case last.Role != types.RoleModel:
		return ""
	}

	checkModel := c.cfg.NextSpeakerModel
	if checkModel == "" {
		checkModel = model
	}

	contents := append(history, types.NewUserMessage(prompts.NextSpeakerPrompt))
	start := time.Now()
	out, err := c.GenerateJSON(ctx, &llm.Request{
		Model:    checkModel,
		Contents: contents,
		Config:   llm.GenerationConfig{ResponseSchema: nextSpeakerSchema},
	})

	status := "ok"
	next := ""
	if err != nil {
		status = "error"
		agentDebugLog.Debugf("Next speaker check failed for prompt %s: %v", promptID, err)
	} else if s, _ := out["next_speaker"].(string); s == speakerUser || s == speakerModel {
		next = s
	} else {
		status = "invalid"
	}

	telemetry.SafeRecord(c.cfg.Sink, telemetry.Event{
		Name:     telemetry.EventNextSpeakerCheck,
		Model:    checkModel,
		Status:   status,
		Duration: time.Since(start),
		Attrs:    map[string]any{"prompt_id": promptID, "next_speaker": next},
	})
	return next
}
