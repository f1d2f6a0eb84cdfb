package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/txcache"
)

const genderSystem = "http://hl7.org/fhir/administrative-gender"

// run executes the command line in an empty working directory so that no
// config.yaml or .env is picked up.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	var stdout, stderr bytes.Buffer
	app := NewApp().WithOutput(&stdout, &stderr)
	err = app.ExecuteWithArgs(context.Background(), append(args, "--tx", "n/a", "--log-level", "off"))
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "txcache "+txcache.Version)
	assert.Contains(t, out, "FHIR 4.0.1")
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := run(t, "validate", "--system", genderSystem, "--code", "male")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: VALID")
		assert.Contains(t, out, "Display: Male")
	})

	t.Run("invalid", func(t *testing.T) {
		out, err := run(t, "validate", "--system", genderSystem, "--code", "bogus")
		assert.True(t, errors.Is(err, errInvalidCode))
		assert.Contains(t, out, "Status: INVALID")
		assert.Contains(t, out, "ERROR [code-invalid]")
	})

	t.Run("display mismatch is a warning", func(t *testing.T) {
		out, err := run(t, "validate", "--system", genderSystem, "--code", "male", "--display", "Man")
		require.NoError(t, err)
		assert.Contains(t, out, "WARN  [code-invalid]")
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, "validate", "--system", genderSystem, "--code", "female", "--output", "json")
		require.NoError(t, err)

		var got ValidationOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.True(t, got.Valid)
		assert.Equal(t, "Female", got.Display)
		assert.Nil(t, got.Outcome)
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := run(t, "validate", "--system", genderSystem)
		assert.Error(t, err)
	})

	t.Run("bad output format", func(t *testing.T) {
		_, err := run(t, "validate", "--code", "male", "--output", "xml")
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestLookup(t *testing.T) {
	out, err := run(t, "lookup", "--system", genderSystem, "--code", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "Display: Other")

	_, err = run(t, "lookup", "--system", genderSystem, "--code", "bogus")
	assert.True(t, errors.Is(err, errNotFound))
}

func TestExpand(t *testing.T) {
	out, err := run(t, "expand", "--valueset", "http://hl7.org/fhir/ValueSet/administrative-gender", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Concepts: 2")
	assert.Contains(t, out, genderSystem+"#female Female")

	_, err = run(t, "expand", "--valueset", "http://example.org/ValueSet/none")
	assert.True(t, errors.Is(err, errNotFound))
}

func TestLoadFlag(t *testing.T) {
	dir := t.TempDir()
	cs := `{
		"resourceType": "CodeSystem",
		"url": "http://example.org/colors",
		"content": "complete",
		"concept": [{"code": "red", "display": "Red"}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "colors.json"), []byte(cs), 0o600))

	out, err := run(t, "validate", "--system", "http://example.org/colors", "--code", "red", "--load", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Display: Red")
}

func TestInvalidConfig(t *testing.T) {
	_, err := run(t, "validate", "--code", "male", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
