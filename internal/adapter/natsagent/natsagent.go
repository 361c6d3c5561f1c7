// Package natsagent implements the agent adapter port for engines that run
// as remote workers behind NATS. The invocation is sent as a request to
// agents.execute.{engine} and the worker replies with the serialized result.
package natsagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Maestro/internal/port/agent"
	"github.com/Strob0t/Maestro/internal/port/messagequeue"
)

const cancelPublishTimeout = 2 * time.Second

// wireInvocation is the request payload sent to remote workers. The call id
// lets the worker correlate a later cancel signal.
type wireInvocation struct {
	CallID     string           `json:"call_id"`
	Engine     string           `json:"engine"`
	Invocation agent.Invocation `json:"invocation"`
}

// wireCancel is published on agents.cancel when the orchestrator gives up on
// an in-flight call.
type wireCancel struct {
	CallID string `json:"call_id"`
	Engine string `json:"engine"`
}

// Adapter dispatches invocations to a remote worker pool over NATS.
type Adapter struct {
	engine string
	queue  messagequeue.Queue
}

// New creates an adapter for the given engine id.
func New(engine string, queue messagequeue.Queue) *Adapter {
	return &Adapter{engine: engine, queue: queue}
}

// Register registers a factory for the engine backed by the given queue.
func Register(engine string, queue messagequeue.Queue) {
	agent.Register(engine, func(_ map[string]string) (agent.Adapter, error) {
		return New(engine, queue), nil
	})
}

// Name returns the engine id this adapter serves.
func (a *Adapter) Name() string { return a.engine }

// Execute sends the invocation to the worker pool and blocks for the reply.
// Cancellation publishes a cancel signal so the worker can stop the external
// process, then returns ctx's error.
func (a *Adapter) Execute(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	callID := uuid.NewString()
	data, err := json.Marshal(wireInvocation{CallID: callID, Engine: a.engine, Invocation: inv})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal invocation: %w", a.engine, err)
	}

	subject := messagequeue.SubjectAgentExecute + "." + a.engine
	reply, err := a.queue.Request(ctx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			a.signalCancel(callID)
			return nil, ctx.Err()
		}
		// No worker listening or the bus dropped the request: worth retrying.
		return &agent.Result{
			Status: agent.StatusTransientError,
			Err:    &agent.ErrorDetail{Class: "bus", Message: err.Error()},
		}, nil
	}

	var res agent.Result
	if err := json.Unmarshal(reply, &res); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", a.engine, err)
	}
	if res.Status == "" {
		return nil, errors.New(a.engine + ": worker reply missing status")
	}
	return &res, nil
}

func (a *Adapter) signalCancel(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelPublishTimeout)
	defer cancel()

	data, err := json.Marshal(wireCancel{CallID: callID, Engine: a.engine})
	if err != nil {
		return
	}
	if err := a.queue.Publish(ctx, messagequeue.SubjectAgentCancel, data); err != nil {
		slog.Warn("agent cancel publish failed", "engine", a.engine, "call_id", callID, "error", err)
	}
}
