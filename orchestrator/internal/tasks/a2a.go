package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

// Command is an agent-to-agent request. IdempotencyKey is not part of the
// job inputs; it becomes the job id.
type Command struct {
	Source         string         `json:"source"`
	Target         string         `json:"target"`
	Command        string         `json:"command"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Inputs returns the JSON stored as job inputs.
func (c Command) Inputs() (json.RawMessage, error) {
	c.IdempotencyKey = ""
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}
	return json.Marshal(c)
}

func (c Command) Validate() error {
	if c.Source == "" || c.Target == "" || c.Command == "" {
		return fmt.Errorf("source, target and command are required")
	}
	return nil
}

type CommandHandler func(ctx context.Context, cmd Command) (map[string]any, error)

// Dispatcher executes A2A commands by name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewDispatcher registers the ping and noop commands.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: map[string]CommandHandler{}}
	d.Handle("ping", func(ctx context.Context, cmd Command) (map[string]any, error) {
		return map[string]any{"status": "pong", "echo": cmd.Payload}, nil
	})
	d.Handle("noop", func(ctx context.Context, cmd Command) (map[string]any, error) {
		return map[string]any{"status": "noop"}, nil
	})
	return d
}

func (d *Dispatcher) Handle(name string, h CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *Dispatcher) Run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var cmd Command
	if err := json.Unmarshal(job.Inputs, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	d.mu.RLock()
	h, ok := d.handlers[cmd.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Unsupported A2A command: %s", cmd.Command)
	}
	out, err := h(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
