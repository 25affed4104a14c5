// Package agent implements the tool-enabled execution runtime: the entry
// point that receives user tasks, the outer loop that drives the
// streaming LLM client, and the dispatch of tool calls to in-process
// tools or MCP sessions.
package agent

import "errors"

// Sentinel errors for run outcomes. Every worker either recovers locally
// or surfaces exactly one terminal event built from one of these.
var (
	// ErrCancelled marks user cancellation; it unwinds cleanly and is
	// not reported as an error event.
	ErrCancelled = errors.New("cancelled by user")

	// ErrTimeout marks a scope exceeding its deadline; recovery aborts
	// that scope only.
	ErrTimeout = errors.New("timeout exceeded")

	// ErrMaxIterations marks the iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrProviderFailure marks an LLM refusal or transport error; the
	// current iteration aborts.
	ErrProviderFailure = errors.New("provider failure")

	// ErrConfiguration marks missing credentials or a missing default
	// model; task entry fails.
	ErrConfiguration = errors.New("configuration error")

	// ErrToolNotFound marks a dispatch to an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrFatal marks unrecoverable internal failures.
	ErrFatal = errors.New("fatal")
)
