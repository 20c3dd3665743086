package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BIGD_SECRET", "")
	t.Setenv("BIGD_IDENTIFIER", "")
	t.Setenv("BIGD_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDemo(t *testing.T) {
	out, err := run(t, "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "contacts:")
	assert.Contains(t, out, "● alice")
	assert.Contains(t, out, "chat with alice (online)")
	assert.Contains(t, out, "alice: hello bob")
}

func TestSignupOffline(t *testing.T) {
	out, err := run(t, "--offline", "--secret", "secret1", "signup", "Carol", "carol@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "registered @carol")

	_, err = run(t, "--offline", "--secret", "secret1", "signup", "no", "x@example.com")
	assert.ErrorContains(t, err, "invalid handle")
}

func TestCommandsNeedCredentials(t *testing.T) {
	_, err := run(t, "--offline", "signup", "carol", "carol@example.com")
	assert.ErrorContains(t, err, "no secret")

	_, err = run(t, "--offline", "--secret", "secret1", "search", "bob")
	assert.ErrorContains(t, err, "no identity")

	_, err = run(t, "--offline", "--as", "bob", "--secret", "secret1", "search", "bob")
	assert.ErrorContains(t, err, "unknown handle")
}

func TestArgs(t *testing.T) {
	_, err := run(t, "send")
	assert.Error(t, err)
	_, err = run(t, "--relay", "ftp://nope", "demo")
	assert.ErrorContains(t, err, "BIGD_RELAY_URL")
}
