package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestRunUnknownEngine(t *testing.T) {
	err := run(nil, "slab")
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown engine "slab"`)
}

func TestRunBothEngines(t *testing.T) {
	options.size = 100
	options.count = 16
	options.reservation = 1 << 20
	options.detailedMap = true

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	require.NoError(t, run(logger, "both"))
}
