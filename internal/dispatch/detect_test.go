package dispatch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/dispatch"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		name     string
		given    string
		then     dispatch.Mode
	}{
		{
			scenario: "embeds Base",
			name:     "login.go",
			given: `package example
import "github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
type Login struct {
	transaction.Base
	user string
}`,
			then: dispatch.Structured,
		},
		{
			scenario: "aliased import",
			name:     "alias.go",
			given: `package example
import tx "github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
type Upload struct{ *tx.Base }`,
			then: dispatch.Structured,
		},
		{
			scenario: "named field is no embedding",
			name:     "named.go",
			given: `package example
import "github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
type Upload struct{ base transaction.Base }`,
			then: dispatch.Opaque,
		},
		{
			scenario: "Base of another package",
			name:     "other.go",
			given: `package example
import "example.com/transaction"
type Upload struct{ transaction.Base }`,
			then: dispatch.Opaque,
		},
		{
			scenario: "plain main program",
			name:     "probe.go",
			given: `package main
func main() {}`,
			then: dispatch.Opaque,
		},
		{
			scenario: "syntax error",
			name:     "broken.go",
			given:    `package example type {`,
			then:     dispatch.Opaque,
		},
		{
			scenario: "shell script",
			name:     "probe.sh",
			given:    "#!/bin/sh\n# transaction.Base\nexit 0\n",
			then:     dispatch.Opaque,
		},
	}

	dir := t.TempDir()
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(dir, tc.name)
			require.NoError(t, os.WriteFile(path, []byte(tc.given), 0o644))
			require.Equal(t, tc.then, dispatch.Detect(path))
		})
	}

	require.Equal(t, dispatch.Opaque, dispatch.Detect(filepath.Join(dir, "missing.go")))
}
