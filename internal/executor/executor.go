// Package executor contains the command executors. An executor is a pure
// function of Command to Result: it never raises errors outward and keeps
// no local state, so re-execution under redelivery is naturally idempotent.
package executor

import (
	"context"

	"github.com/edgard/signalbot/internal/message"
)

// Executor turns one Command into exactly one Result. Implementations must
// be safe under concurrent re-execution of the same Command.
type Executor interface {
	Execute(ctx context.Context, cmd message.Command) message.Result
}

// Registry maps command kinds to their executors.
type Registry struct {
	executors map[message.CommandKind]Executor
}

// NewRegistry builds the executor registry for the supported command
// vocabulary.
func NewRegistry(stock, help Executor) *Registry {
	return &Registry{
		executors: map[message.CommandKind]Executor{
			message.KindStockQuote: stock,
			message.KindHelp:       help,
		},
	}
}

// Get returns the executor for a kind, or false when the kind has none.
func (r *Registry) Get(kind message.CommandKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}
