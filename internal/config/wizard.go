package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard asks for model backends and demo settings on a terminal.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the setup and returns the resulting config. Values
// already present in base are kept unless the user enters a new one.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== agentloop configuration ===")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Model backends (at least one is required):")

	for _, provider := range Providers {
		key, err := w.ask(fmt.Sprintf("%s API key (press Enter to skip): ", provider), func(s string) error {
			return validator.ValidateAPIKey(s, provider)
		})
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}

		model, err := w.ask("  model (press Enter for the default): ", validator.ValidateModel)
		if err != nil {
			return nil, err
		}

		cfg.AI.Profiles = upsertProfile(cfg.AI.Profiles, AIProfile{
			ID:       provider,
			Provider: provider,
			APIKey:   key,
			Model:    model,
			Priority: len(cfg.AI.Profiles),
		})
	}

	weatherKey, err := w.ask("weatherstack access key for the weather demo (press Enter to skip): ", nil)
	if err != nil {
		return nil, err
	}
	if weatherKey != "" {
		cfg.Demo.WeatherAPIKey = weatherKey
	}

	turns, err := w.ask(fmt.Sprintf("Max turns per run [%d]: ", cfg.Runner.MaxTurns), func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("max turns must be a positive number")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if turns != "" {
		cfg.Runner.MaxTurns, _ = strconv.Atoi(turns)
	}

	level, err := w.ask(fmt.Sprintf("Log level [%s]: ", cfg.Logging.Level), validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// ask prompts until the answer is empty or passes check.
func (w *Wizard) ask(prompt string, check func(string) error) (string, error) {
	for {
		fmt.Fprint(w.out, prompt)
		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" || check == nil {
			return answer, nil
		}
		if err := check(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", fmt.Errorf("input closed before the configuration was complete")
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func upsertProfile(profiles []AIProfile, p AIProfile) []AIProfile {
	for i := range profiles {
		if profiles[i].ID == p.ID {
			p.Priority = profiles[i].Priority
			profiles[i] = p
			return profiles
		}
	}
	return append(profiles, p)
}
