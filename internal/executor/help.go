package executor

import (
	"context"

	"github.com/edgard/signalbot/internal/message"
)

// HelpText is the static command list sent for /help.
const HelpText = `Available commands:
/stock <ticker> - Get current stock price (e.g., /stock AAPL)
/help - Show this help message

Example: /stock TSLA`

// HelpExecutor answers /help with the static command list. It makes no
// external calls and cannot fail.
type HelpExecutor struct{}

// NewHelpExecutor creates the help executor.
func NewHelpExecutor() *HelpExecutor {
	return &HelpExecutor{}
}

// Execute returns the help text for the originating conversation.
func (e *HelpExecutor) Execute(_ context.Context, cmd message.Command) message.Result {
	return message.Result{
		Origin:    message.OriginOf(cmd.Origin),
		MessageID: cmd.Origin.MessageID,
		Status:    message.StatusOk,
		Body:      HelpText,
	}
}
