package simvar

import (
	"fmt"
	"os"
	"strings"
)

// Reproduction command construction: reassemble a
// shell-quoted command line from argv plus the
// SIMULATOR_* environment, such that re-running it
// replays the exact scenario. This is the primary
// export format of the harness: a red run is only
// useful if you can paste one line and see it again.

// reproEnvPassthrough lists environment variables copied
// verbatim into reproduction commands when set. RUST_LOG
// rides along for diagnostic parity with tooling that
// keys its log filtering off it.
var reproEnvPassthrough = []string{EnvDuration, "RUST_LOG"}

// reproCommand builds the one-line replay command for a
// run with the given seed and run count.
func reproCommand(seed uint64, runs int) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%v=%v", EnvSeed, seed))
	parts = append(parts, fmt.Sprintf("%v=%v", EnvRuns, runs))
	for _, key := range reproEnvPassthrough {
		if val, ok := os.LookupEnv(key); ok {
			parts = append(parts, key+"="+shellQuote(val))
		}
	}
	for _, arg := range os.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s when it contains anything a
// POSIX shell would interpret.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`!*?[]{}()<>|&;~#") {
		return s
	}
	// 'foo'\''bar' is the standard dance for embedded
	// single quotes.
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
