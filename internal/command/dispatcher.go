// Package command executes remote commands against the local device. The
// dispatcher enforces the configured allow-list and turns every failure,
// panics included, into an error result for the central server instead of
// crashing the agent.
package command

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// HandlerFunc executes one command type. The returned value becomes the
// result payload reported upstream.
type HandlerFunc func(ctx context.Context, cmd models.Command) (interface{}, error)

// Dispatcher routes commands to their handlers, gated by the allow-list.
type Dispatcher struct {
	allowed  map[string]bool
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher that executes only the allowed
// command types.
func NewDispatcher(allowed []string) *Dispatcher {
	d := &Dispatcher{
		allowed:  make(map[string]bool, len(allowed)),
		handlers: make(map[string]HandlerFunc),
	}
	for _, name := range allowed {
		d.allowed[name] = true
	}
	return d
}

// Register binds a handler to a command type. Registration happens once at
// startup, before any dispatching.
func (d *Dispatcher) Register(cmdType string, h HandlerFunc) {
	d.handlers[cmdType] = h
}

// Dispatch executes one command and always returns a result: unknown or
// disallowed types, handler errors and handler panics all come back as
// error results.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.Command) (result models.CommandResult) {
	result = models.CommandResult{CommandID: cmd.ID, Status: models.ResultError}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("command", cmd.Type).
				Str("id", cmd.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("command handler panicked")
			result.Status = models.ResultError
			result.Result = nil
			result.Error = fmt.Sprintf("internal error executing %s", cmd.Type)
		}
	}()

	if !d.allowed[cmd.Type] {
		log.Warn().Str("command", cmd.Type).Str("id", cmd.ID).Msg("command type not allowed")
		result.Error = fmt.Sprintf("command type not allowed: %s", cmd.Type)
		return result
	}

	handler, ok := d.handlers[cmd.Type]
	if !ok {
		result.Error = fmt.Sprintf("no handler for command type: %s", cmd.Type)
		return result
	}

	log.Info().Str("command", cmd.Type).Str("id", cmd.ID).Msg("executing command")
	payload, err := handler(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("command", cmd.Type).Str("id", cmd.ID).Msg("command failed")
		result.Error = err.Error()
		return result
	}

	result.Status = models.ResultSuccess
	result.Result = payload
	result.Error = ""
	return result
}
