// Package command executes named commands against a closed table and
// owns module enable/disable state.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"auradrive/internal/logging"
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrCommandFailed     = errors.New("command failed")
	ErrModuleNotFound    = errors.New("module not found")
	ErrDuplicateCommand  = errors.New("command already registered")
)

// HandlerFunc runs a command with validated params.
type HandlerFunc func(ctx context.Context, p Params) (string, error)

// Command is one entry of the command table.
type Command struct {
	Name    string
	Summary string
	Params  []ParamSpec
	Run     HandlerFunc
}

// Stats counts dispatcher activity.
type Stats struct {
	Commands int    `json:"commands"`
	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
}

// Dispatcher maps command names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]Command
	log      *logging.Logger

	executed atomic.Uint64
	failed   atomic.Uint64

	// Observe, when set, is called after every Execute.
	Observe func(name string, err error)
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{
		commands: make(map[string]Command),
		log:      log.WithComponent("command"),
	}
}

// Register adds cmd to the table.
func (d *Dispatcher) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command %q: name and handler are required", cmd.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commands[cmd.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	d.commands[cmd.Name] = cmd
	return nil
}

// Execute validates params against the command's schema and runs it.
// A panic in the handler is returned as ErrCommandFailed.
func (d *Dispatcher) Execute(ctx context.Context, name string, params Params) (result string, err error) {
	d.executed.Add(1)
	defer func() {
		if err != nil {
			d.failed.Add(1)
			d.log.Warn("command failed", "command", name, "code", ErrorCode(err), "error", err)
		}
		if d.Observe != nil {
			d.Observe(name, err)
		}
	}()

	d.mu.RLock()
	cmd, ok := d.commands[name]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	bound, err := bind(cmd.Params, params)
	if err != nil {
		return "", err
	}

	defer func() {
		if p := recover(); p != nil {
			result = ""
			err = fmt.Errorf("%w: %s panicked: %v", ErrCommandFailed, name, p)
		}
	}()

	result, err = cmd.Run(ctx, bound)
	if err != nil && !isClassified(err) {
		err = fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	return result, err
}

// Names lists registered commands, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.commands))
	for n := range d.commands {
		names = append(names, n)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Lookup returns the command registered under name.
func (d *Dispatcher) Lookup(name string) (Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[name]
	return c, ok
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	n := len(d.commands)
	d.mu.RUnlock()
	return Stats{Commands: n, Executed: d.executed.Load(), Failed: d.failed.Load()}
}

func isClassified(err error) bool {
	return errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrInvalidParameters) ||
		errors.Is(err, ErrCommandFailed) ||
		errors.Is(err, ErrModuleNotFound)
}

// ErrorCode maps an Execute or ToggleModule error to its public code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCommand):
		return "UnknownCommand"
	case errors.Is(err, ErrInvalidParameters):
		return "InvalidParameters"
	case errors.Is(err, ErrModuleNotFound):
		return "ModuleNotFound"
	default:
		return "CommandFailed"
	}
}

// FormatError renders err as the string result returned to clients.
func FormatError(err error) string {
	return fmt.Sprintf("error: %s: %s", ErrorCode(err), err.Error())
}
