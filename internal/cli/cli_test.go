package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AllFlags(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	opts, shouldExit, err := Parse([]string{
		"-config", "/etc/storyflow.hcl",
		"-listen", ":9999",
		"-log-level", "DEBUG",
		"-log-format", "JSON",
	}, out)

	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, "/etc/storyflow.hcl", opts.ConfigPath)
	assert.Equal(t, ":9999", opts.Listen)
	assert.Equal(t, "debug", opts.LogLevel, "levels are lowercased")
	assert.Equal(t, "json", opts.LogFormat)
}

func TestParse_ShorthandConfig(t *testing.T) {
	t.Parallel()

	opts, _, err := Parse([]string{"-c", "story.hcl"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "story.hcl", opts.ConfigPath)
}

func TestParse_NoArgsUsesDefaults(t *testing.T) {
	t.Parallel()

	opts, shouldExit, err := Parse(nil, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Empty(t, opts.ConfigPath, "no config file means built-in defaults")
}

func TestParse_Help(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	_, shouldExit, err := Parse([]string{"-h"}, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_InvalidValues(t *testing.T) {
	t.Parallel()

	_, _, err := Parse([]string{"-log-format", "yaml"}, &bytes.Buffer{})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, _, err = Parse([]string{"-log-level", "loud"}, &bytes.Buffer{})
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, _, err = Parse([]string{"-no-such-flag"}, &bytes.Buffer{})
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}
