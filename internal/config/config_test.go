package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCoercesLowTunnelPort(t *testing.T) {
	c := Config{TunnelPort: 80}
	c.Normalize()
	assert.Equal(t, DefaultTunnelPort, c.TunnelPort)
}

func TestNormalizeCoercesMaxClients(t *testing.T) {
	c := Config{MaxClients: 1}
	c.Normalize()
	assert.Equal(t, DefaultMaxClients, c.MaxClients)
}

func TestNormalizeCoercesIPLimit(t *testing.T) {
	c := Config{IPLimit: 0}
	c.Normalize()
	assert.Equal(t, DefaultIPLimit, c.IPLimit)
}

func TestNormalizeStripsSemicolonsAndDefaultsName(t *testing.T) {
	c := Config{Name: "my;server"}
	c.Normalize()
	assert.Equal(t, "myserver", c.Name)

	empty := Config{}
	empty.Normalize()
	assert.Equal(t, DefaultName, empty.Name)
}

func TestNormalizeInvalidLogLevelDefaultsToInfo(t *testing.T) {
	c := Config{LogLevel: "verbose"}
	c.Normalize()
	assert.Equal(t, "info", c.LogLevel)
}

func TestAdminEnabled(t *testing.T) {
	c := Config{}
	assert.False(t, c.AdminEnabled())

	c.AdminAddr = ":9090"
	assert.True(t, c.AdminEnabled())
}
