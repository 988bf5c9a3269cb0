package strategy

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// New builds a bundled strategy by name with its config-file parameters.
func New(name string, params map[string]any) (Handler, error) {
	switch name {
	case "", "nop":
		return NopHandler{}, nil
	case "sma_cross":
		var p struct {
			Fast     int     `mapstructure:"fast"`
			Slow     int     `mapstructure:"slow"`
			Quantity float64 `mapstructure:"quantity"`
		}
		if err := mapstructure.Decode(params, &p); err != nil {
			return nil, fmt.Errorf("bad sma_cross params: %w", err)
		}
		return NewSMACross(p.Fast, p.Slow, p.Quantity), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
