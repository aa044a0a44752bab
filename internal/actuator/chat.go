package actuator

import (
	"context"
	"errors"
	"strings"

	"github.com/watchkeeper/brainstem/internal/sammi"
)

// TwitchChat sends a chat line through the SAMMI bridge: it sets the outbound
// message variable and fires the configured send button.
type TwitchChat struct {
	Client       *sammi.Client
	MessageVar   string
	SendButtonID string
}

func (t *TwitchChat) Invoke(_ context.Context, req Request) Outcome {
	started := nowUTC()
	if t == nil || t.Client == nil {
		return failure(started, CodeAdapterError, "twitch chat adapter not configured")
	}
	message := strings.TrimSpace(paramString(req.Parameters, "message"))
	if message == "" {
		return failure(started, CodeAdapterError, "message parameter is required")
	}
	if len(message) > 480 {
		message = message[:480]
	}

	messageVar := strings.TrimSpace(t.MessageVar)
	if messageVar == "" {
		messageVar = "chat_out"
	}
	if err := t.Client.SetVariable(messageVar, message); err != nil {
		return failure(started, bridgeCode(err), err.Error())
	}
	if buttonID := strings.TrimSpace(t.SendButtonID); buttonID != "" {
		if err := t.Client.TriggerButton(buttonID); err != nil {
			return failure(started, bridgeCode(err), err.Error())
		}
	}
	return success(started, map[string]any{"message": message, "variable": messageVar})
}

func bridgeCode(err error) string {
	if errors.Is(err, sammi.ErrBridgeUnreachable) {
		return CodeBridgeUnreachable
	}
	return CodeAdapterError
}
