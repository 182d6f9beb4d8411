package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument describes broker-side rules for one tradable symbol.
type Instrument struct {
	Symbol       string  `yaml:"symbol"`
	ContractSize float64 `yaml:"contract_size"`
	MarginFactor float64 `yaml:"margin_factor"` // instrument-specific multiplier, defaults to 1
	LotMin       float64 `yaml:"lot_min"`
	LotMax       float64 `yaml:"lot_max"`
	LotStep      float64 `yaml:"lot_step"`
	Leverage     float64 `yaml:"leverage"` // overrides the account default when set
}

// Catalog is the symbol universe loaded from YAML.
type Catalog struct {
	bySymbol map[string]Instrument
}

type catalogFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadCatalog reads the instrument catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instrument catalog: %w", err)
	}

	return NewCatalog(f.Instruments), nil
}

// NewCatalog builds a catalog from instrument specs, applying defaults.
func NewCatalog(instruments []Instrument) *Catalog {
	c := &Catalog{bySymbol: make(map[string]Instrument, len(instruments))}
	for _, in := range instruments {
		if in.MarginFactor == 0 {
			in.MarginFactor = 1
		}
		c.bySymbol[in.Symbol] = in
	}
	return c
}

// Get returns the instrument for symbol.
func (c *Catalog) Get(symbol string) (Instrument, bool) {
	in, ok := c.bySymbol[symbol]
	return in, ok
}

// Symbols lists the known symbols.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.bySymbol))
	for s := range c.bySymbol {
		out = append(out, s)
	}
	return out
}
