package main

import (
	"fmt"
	"sort"

	"github.com/HyphaGroup/colloquy/internal/config"
	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/driver/claude"
	"github.com/HyphaGroup/colloquy/internal/driver/openaicompat"
	"github.com/HyphaGroup/colloquy/internal/driver/scripted"
	"github.com/HyphaGroup/colloquy/internal/stabilize"
)

// buildDrivers registers a constructor for every configured kind and resolves
// each kind's stabilization policy.
func buildDrivers(drivers map[string]config.DriverSection) (*driver.Factory, map[driver.Kind]stabilize.Policy, error) {
	factory := driver.NewFactory()
	policies := make(map[driver.Kind]stabilize.Policy, len(drivers))

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := drivers[name]
		kind := driver.Kind(name)

		ctor, err := constructorFor(kind, d)
		if err != nil {
			return nil, nil, fmt.Errorf("driver %q: %w", name, err)
		}
		policy, err := d.Stabilization.Policy()
		if err != nil {
			return nil, nil, fmt.Errorf("driver %q stabilization: %w", name, err)
		}
		factory.Register(kind, ctor)
		policies[kind] = policy
	}
	return factory, policies, nil
}

func constructorFor(kind driver.Kind, d config.DriverSection) (driver.Constructor, error) {
	switch d.Type {
	case config.DriverOpenAI:
		return openaicompat.Constructor(openaicompat.Config{
			Kind:       kind,
			BaseURL:    d.BaseURL,
			APIKey:     d.ResolveAPIKey(),
			Model:      d.Model,
			MaxTokens:  d.MaxTokens,
			MaxRetries: d.Retries(),
		}), nil
	case config.DriverAnthropic:
		return claude.Constructor(claude.Config{
			Kind:       kind,
			BaseURL:    d.BaseURL,
			APIKey:     d.ResolveAPIKey(),
			Model:      d.Model,
			MaxTokens:  d.MaxTokens,
			MaxRetries: d.Retries(),
		}), nil
	case config.DriverScripted:
		return scripted.Constructor(scripted.Config{
			Kind:       kind,
			Script:     scripted.Echo,
			FrameDelay: d.FrameDelay.Std(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", d.Type)
	}
}
