// Package prompt defines the prompt resolver port. Prompt refs are logical
// ids; the orchestrator never interprets the resolved text, it only passes it
// to agent adapters and records the concrete version.
package prompt

import "context"

// Template is a resolved prompt.
type Template struct {
	// Ref is the logical id that was resolved.
	Ref string
	// Version is the concrete identifier of the resolved content.
	Version string
	// Text is the template body.
	Text string
}

// Resolver maps a logical prompt ref to a concrete template and version.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Template, error)
}
