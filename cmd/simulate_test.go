package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSimulateCommandPush(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"simulate", "--kind", "push", "--objects", "3", "--step-delay", "1ms"})

	require.NoError(t, root.ExecuteContext(context.Background()))

	text := out.String()
	require.Contains(t, text, "DONE")
	require.Contains(t, text, "100%")
	require.Contains(t, text, "status: succeeded (reason done")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
}

func TestSimulateCommandYAMLReport(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"simulate", "--kind", "fetch", "--remote", "upstream",
		"--objects", "2", "--step-delay", "1ms", "--format", "yaml"})

	require.NoError(t, root.ExecuteContext(context.Background()))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.Equal(t, "fetch", doc["kind"])
	require.Equal(t, "upstream", doc["remote"])
	require.Equal(t, "succeeded", doc["status"])
	require.Equal(t, "done", doc["reason"])
	require.Equal(t, "DONE", doc["state"])
	require.Equal(t, 100, doc["percent"])
	require.NotContains(t, out.String(), "TRANSFERRING")
}

func TestSimulateCommandRejectsFormat(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"simulate", "--format", "xml"})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "--format must be")
}

func TestSimulateCommandRejectsKind(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"simulate", "--kind", "clone"})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "--kind must be fetch or push")
}

func TestServeCommandBadConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve", "--config", "/does/not/exist.yaml"})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "load config")
}
