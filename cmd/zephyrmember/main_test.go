package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sim", "-q", "--nodes", "4", "--ticks", "60", "--fail-at", "10", "--fail-count", "1",
		"--fail-timeout", "2", "--remove-timeout", "8"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "converged  true")
	assert.Contains(t, out.String(), "failed")
}

func TestSimCommandRejectsBadConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sim", "-q", "--nodes", "3", "--fail-count", "5"})
	assert.Error(t, cmd.Execute())
}

func TestRunCommandValidatesBeforeStarting(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--address", "2:7946"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "introducer")
}
