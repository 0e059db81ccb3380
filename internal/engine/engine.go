package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/hooks"
)

var (
	ErrUnknownEngine    = errors.New("unknown engine")
	ErrEmptyInput       = errors.New("empty input tokens")
	ErrTokenOutOfRange  = errors.New("token out of vocab range")
	ErrContextOverflow  = errors.New("context length exceeded")
	ErrRegistryMismatch = errors.New("hook registry built for a different layer count")
)

// Model is a layered language model whose block outputs are routed through a
// hook registry. Passes are synchronous and block boundaries fire lowest
// layer first.
type Model interface {
	NumLayers() int
	Dim() int
	VocabSize() int
	Causal() bool

	// Forward runs one full pass over tokens starting at position 0.
	Forward(ctx context.Context, tokens []int, reg *hooks.Registry) (*Output, error)

	// Generate runs a prefill pass over tokens and then n incremental decode
	// steps, returning only the generated ids.
	Generate(ctx context.Context, tokens []int, n int, cfg SamplerConfig, reg *hooks.Registry) ([]int, error)
}

// Factory builds a model from configuration.
type Factory func(cfg config.Config) (Model, error)

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Factory)
)

// RegisterEngine makes a model implementation available to New. Registering
// the same name twice replaces the earlier factory.
func RegisterEngine(name string, f Factory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = f
}

// New builds the engine registered under name.
func New(name string, cfg config.Config) (Model, error) {
	enginesMu.RLock()
	f, ok := engines[name]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownEngine, name, Engines())
	}
	return f(cfg)
}

// NewFromConfig builds the engine named by cfg.Architecture.
func NewFromConfig(cfg config.Config) (Model, error) {
	return New(cfg.GetArchitecture(), cfg)
}

// Engines lists registered engine names.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	names := make([]string, 0, len(engines))
	for n := range engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegistry returns a hook registry sized for m.
func NewRegistry(m Model) *hooks.Registry {
	return hooks.NewRegistry(m.NumLayers())
}

func checkRegistry(reg *hooks.Registry, layers int) error {
	if reg != nil && reg.NumLayers() != layers {
		return fmt.Errorf("%w: registry has %d, model has %d", ErrRegistryMismatch, reg.NumLayers(), layers)
	}
	return nil
}

func checkTokens(tokens []int, vocab int) error {
	if len(tokens) == 0 {
		return ErrEmptyInput
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= vocab {
			return fmt.Errorf("%w: token %d at position %d (vocab %d)", ErrTokenOutOfRange, tok, i, vocab)
		}
	}
	return nil
}
