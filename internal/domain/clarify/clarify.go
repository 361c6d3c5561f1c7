// Package clarify defines the Clarification entity: an externally-answered
// question that can block steps until resolved.
package clarify

import "time"

// Scope identifies what a clarification applies to.
type Scope string

const (
	ScopeProject  Scope = "project"
	ScopeProtocol Scope = "protocol"
	ScopeStep     Scope = "step"
)

// Status of a clarification.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAnswered Status = "answered"
)

// Clarification is a question raised by policy or QA that may gate execution.
// Key is unique within its scope.
type Clarification struct {
	ID      string `json:"id"`
	Scope   Scope  `json:"scope"`
	// ScopeID is the project id, protocol id, or step run id the question
	// attaches to, depending on Scope.
	ScopeID  string   `json:"scope_id"`
	Key      string   `json:"key"`
	Blocking bool     `json:"blocking"`
	Status   Status   `json:"status"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// BlocksStep reports whether this clarification gates the given step. An open
// blocking question at project or protocol scope gates every step; at step
// scope it gates only the matching step run.
func (c *Clarification) BlocksStep(projectID, protocolID, stepRunID string) bool {
	if !c.Blocking || c.Status != StatusOpen {
		return false
	}
	switch c.Scope {
	case ScopeProject:
		return c.ScopeID == projectID
	case ScopeProtocol:
		return c.ScopeID == protocolID
	case ScopeStep:
		return c.ScopeID == stepRunID
	}
	return false
}

// AnyBlocking reports whether any clarification in the list gates the step.
func AnyBlocking(cs []*Clarification, projectID, protocolID, stepRunID string) bool {
	for _, c := range cs {
		if c.BlocksStep(projectID, protocolID, stepRunID) {
			return true
		}
	}
	return false
}
