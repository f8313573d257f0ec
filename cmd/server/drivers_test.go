package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/config"
	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/stabilize"
)

func TestBuildDriversDefaults(t *testing.T) {
	factory, policies, err := buildDrivers(config.DefaultDrivers())
	require.NoError(t, err)

	assert.Equal(t, []driver.Kind{driver.KindClaude, driver.KindEcho, driver.KindGemini, driver.KindGrok}, factory.Kinds())
	assert.Equal(t, stabilize.ModeStability, policies[driver.KindGemini].Mode)
	assert.Equal(t, stabilize.ModeStability, policies[driver.KindGrok].Mode)
	assert.Equal(t, 3, policies[driver.KindGrok].Threshold)
	assert.Equal(t, 200*time.Millisecond, policies[driver.KindEcho].Interval)
}

func TestBuildDriversScriptedRuns(t *testing.T) {
	factory, _, err := buildDrivers(map[string]config.DriverSection{
		"echo": {Type: config.DriverScripted},
	})
	require.NoError(t, err)

	d, err := factory.New(context.Background(), driver.KindEcho, driver.Settings{Headless: true})
	require.NoError(t, err)
	defer func() { _ = d.Teardown(context.Background()) }()
	assert.Equal(t, driver.KindEcho, d.Kind())
}

func TestBuildDriversMissingKeyFailsOnOpen(t *testing.T) {
	t.Setenv("COLLOQUY_TEST_MISSING_KEY", "")
	factory, _, err := buildDrivers(map[string]config.DriverSection{
		"grok": {Type: config.DriverOpenAI, Model: "grok-3", APIKeyEnv: "COLLOQUY_TEST_MISSING_KEY"},
	})
	require.NoError(t, err)

	_, err = factory.New(context.Background(), driver.KindGrok, driver.Settings{})
	assert.Error(t, err)
}

func TestBuildDriversRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		drivers map[string]config.DriverSection
	}{
		{"unknown type", map[string]config.DriverSection{"x": {Type: "carrier-pigeon"}}},
		{"unknown mode", map[string]config.DriverSection{"x": {
			Type:          config.DriverScripted,
			Stabilization: config.StabilizationSection{Mode: "vibes"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildDrivers(tt.drivers)
			assert.Error(t, err)
		})
	}
}
