// Package policy decides which CLI commands may run in this invocation.
package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// allows the command it names and every subcommand below it, so "rebalance"
// admits "rebalance status". An empty allowlist allows everything.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == "" {
			continue
		}
		if path == a || strings.HasPrefix(path, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckBroadcast refuses commands that send transactions when the operator
// asked for a read-only session.
func CheckBroadcast(readOnly, mutating, dryRun bool) error {
	if readOnly && mutating && !dryRun {
		return clierr.New(clierr.CodeBlocked, "command broadcasts transactions; rerun with --dry-run or without --read-only")
	}
	return nil
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(v))), " ")
}
