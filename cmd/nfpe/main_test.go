package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Tree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"worker"},
		{"migrate"},
		{"cert", "inspect"},
		{"sefaz", "status"},
		{"erp", "import"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestCertInspect_RequiresSecret(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"cert", "inspect", "farm.pfx"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestCheckServeMode(t *testing.T) {
	tests := []struct {
		name      string
		queue     string
		noWorkers bool
		wantErr   bool
	}{
		{name: "memory queue with workers", queue: "memory"},
		{name: "redis queue without workers", queue: "redis", noWorkers: true},
		{name: "memory queue without workers", queue: "memory", noWorkers: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkServeMode(tt.queue, tt.noWorkers)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "LIFECYCLE_QUEUE=redis")
				return
			}
			assert.NoError(t, err)
		})
	}
}
