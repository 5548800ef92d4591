// ABOUTME: Engine-wide generation settings shared by every channel actor
// ABOUTME: Sampling options can be read and changed at runtime via the options command

package channel

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/deepbot/internal/generation"
)

// Limits bounds history and output sizes.
type Limits struct {
	MaxHistory       int
	FetchLimit       int
	MaxResponseLines int
}

// Settings holds sampling and limits. Sampling may change at runtime; limits
// are fixed at startup.
type Settings struct {
	mu       sync.RWMutex
	sampling generation.Sampling
	limits   Limits
}

// NewSettings creates settings.
func NewSettings(sampling generation.Sampling, limits Limits) *Settings {
	return &Settings{sampling: sampling, limits: limits}
}

// Sampling returns the current sampling options.
func (s *Settings) Sampling() generation.Sampling {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampling
}

// Limits returns the configured limits.
func (s *Settings) Limits() Limits {
	return s.limits
}

// OptionNames lists the names accepted by Get and Set.
func OptionNames() []string {
	return []string{"temperature", "top_p", "presence_penalty", "frequency_penalty", "max_tokens", "seed"}
}

// Get returns an option formatted for display.
func (s *Settings) Get(name string) (string, error) {
	smp := s.Sampling()
	switch strings.ToLower(name) {
	case "temperature":
		return formatFloat(smp.Temperature), nil
	case "top_p":
		return formatFloat(smp.TopP), nil
	case "presence_penalty":
		return formatFloat(smp.PresencePenalty), nil
	case "frequency_penalty":
		return formatFloat(smp.FrequencyPenalty), nil
	case "max_tokens":
		return strconv.Itoa(smp.MaxTokens), nil
	case "seed":
		return strconv.Itoa(smp.Seed), nil
	}
	return "", fmt.Errorf("unknown option %q (known: %s)", name, strings.Join(OptionNames(), ", "))
}

// Set parses and stores an option. Floats are range checked; max_tokens and
// seed accept -1 to mean unset.
func (s *Settings) Set(name, value string) error {
	name = strings.ToLower(name)
	if !slices.Contains(OptionNames(), name) {
		return fmt.Errorf("unknown option %q (known: %s)", name, strings.Join(OptionNames(), ", "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "max_tokens", "seed":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", name, err)
		}
		if n < -1 {
			return fmt.Errorf("%s must be -1 or greater", name)
		}
		if name == "max_tokens" {
			s.sampling.MaxTokens = n
		} else {
			s.sampling.Seed = n
		}
		return nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s must be a number: %w", name, err)
	}
	switch name {
	case "temperature":
		if f < 0 || f > 2 {
			return fmt.Errorf("temperature must be between 0 and 2")
		}
		s.sampling.Temperature = f
	case "top_p":
		if f <= 0 || f > 1 {
			return fmt.Errorf("top_p must be in (0, 1]")
		}
		s.sampling.TopP = f
	case "presence_penalty":
		if f < -2 || f > 2 {
			return fmt.Errorf("presence_penalty must be between -2 and 2")
		}
		s.sampling.PresencePenalty = f
	case "frequency_penalty":
		if f < -2 || f > 2 {
			return fmt.Errorf("frequency_penalty must be between -2 and 2")
		}
		s.sampling.FrequencyPenalty = f
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
