package backtest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a file-defined backtest: the run configuration, the
// candle series, and scripted signals keyed by bar index. Used for
// reproducible runs and regression fixtures.
type Scenario struct {
	Name    string              `yaml:"name"`
	Config  Config              `yaml:"config"`
	Candles []Candle            `yaml:"candles"`
	Signals map[int]TradeSignal `yaml:"signals"`
}

// LoadScenario reads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Candles) == 0 {
		return nil, fmt.Errorf("scenario %s has no candles", path)
	}
	return &sc, nil
}

// Strategy converts the scripted signals into a Strategy.
func (sc *Scenario) Strategy() Strategy {
	return func(i int, history []Candle) *TradeSignal {
		if intent, ok := sc.Signals[i]; ok {
			return &intent
		}
		return nil
	}
}

// Run executes the scenario.
func (sc *Scenario) Run() (Result, error) {
	return NewSimulator(sc.Config).Run(sc.Candles, sc.Strategy())
}
