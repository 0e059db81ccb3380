package config

import (
	"fmt"
	"strings"
)

// Config describes the layered model the probe runs against.
type Config struct {
	Architecture string  `yaml:"engine"`
	Dim          int     `yaml:"dim"`
	HiddenDim    int     `yaml:"hidden_dim"`
	Layers       int     `yaml:"layers"`
	VocabSize    int     `yaml:"vocab_size"`
	SeqLen       int     `yaml:"seq_len"`
	Eps          float32 `yaml:"eps"`
	Seed         int64   `yaml:"seed"`

	// ResidualScale damps each block's contribution to the residual stream.
	ResidualScale float32 `yaml:"residual_scale"`

	// Causal models only let position i see positions <= i. Last-position
	// steering is only meaningful for causal decoding.
	Causal bool `yaml:"causal"`

	DebugActivations bool `yaml:"debug_activations"`
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.ResidualScale <= 0 {
		return fmt.Errorf("invalid residual_scale: %f (must be positive)", c.ResidualScale)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	arch := strings.ToLower(c.Architecture)
	if arch == "" {
		return "cpu"
	}
	return arch
}

// HasLayer reports whether layer is a valid block index.
func (c *Config) HasLayer(layer int) bool {
	return layer >= 0 && layer < c.Layers
}

func Default() Config {
	return Config{
		Architecture:  "cpu",
		Dim:           64,
		HiddenDim:     128,
		Layers:        12,
		VocabSize:     512,
		SeqLen:        256,
		Eps:           1e-5,
		Seed:          7,
		ResidualScale: 0.5,
		Causal:        true,
	}
}
