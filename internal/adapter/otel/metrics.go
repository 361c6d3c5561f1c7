package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "maestro"

// Metrics holds all Maestro metric instruments.
type Metrics struct {
	ProtocolsStarted   metric.Int64Counter
	ProtocolsCompleted metric.Int64Counter
	ProtocolsFailed    metric.Int64Counter
	StepsExecuted      metric.Int64Counter
	QAVerdicts         metric.Int64Counter
	StepDuration       metric.Float64Histogram
	ProtocolCost       metric.Float64Histogram
	TokensUsed         metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ProtocolsStarted, err = meter.Int64Counter("maestro.protocols.started",
		metric.WithDescription("Number of protocol runs started"))
	if err != nil {
		return nil, err
	}

	m.ProtocolsCompleted, err = meter.Int64Counter("maestro.protocols.completed",
		metric.WithDescription("Number of protocol runs completed"))
	if err != nil {
		return nil, err
	}

	m.ProtocolsFailed, err = meter.Int64Counter("maestro.protocols.failed",
		metric.WithDescription("Number of protocol runs failed"))
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("maestro.steps.executed",
		metric.WithDescription("Number of step executions"))
	if err != nil {
		return nil, err
	}

	m.QAVerdicts, err = meter.Int64Counter("maestro.qa.verdicts",
		metric.WithDescription("Number of QA verdicts by outcome"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("maestro.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ProtocolCost, err = meter.Float64Histogram("maestro.protocol.cost_usd",
		metric.WithDescription("Protocol run cost in USD"))
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("maestro.tokens.used",
		metric.WithDescription("Tokens consumed by agent and QA calls"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
