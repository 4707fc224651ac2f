package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ashureev/sqlsight/internal/stream"
)

// HandoffName is the name of the human handoff capability.
const HandoffName = "handoff_to_user"

// Handoff asks the user a question and returns their reply. With
// breakout_of_loop, or when no one can answer within the turn, the message
// is sent and the calling agent stops with the message as its answer.
func Handoff() Capability {
	return New(HandoffName,
		"Hand control to the user: ask a clarifying question or request confirmation "+
			"and wait for the reply. Set breakout_of_loop to end the turn after sending the message.",
		`{"type":"object","properties":{"message":{"type":"string","description":"Message or question for the user."},"breakout_of_loop":{"type":"boolean","default":false}},"required":["message"]}`,
		func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Message  string `json:"message"`
				Breakout bool   `json:"breakout_of_loop"`
			}
			if err := decode(HandoffName, raw, &args); err != nil {
				return "", err
			}
			asker := stream.AskerFrom(ctx)
			if args.Breakout || asker == nil {
				if err := stream.Emit(ctx, stream.Handoff(args.Message)); err != nil {
					slog.Debug("handoff emit failed", "error", err)
				}
				return args.Message, ErrStop
			}
			return asker.Ask(ctx, args.Message)
		})
}
