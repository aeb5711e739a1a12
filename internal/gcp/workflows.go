package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
)

// ExecutionCreator is the part of the Workflows Executions client the
// notifier uses.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowConfig names the workflow a finished batch hands off to.
type WorkflowConfig struct {
	ProjectID  string
	Location   string
	WorkflowID string
}

func (c WorkflowConfig) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", c.ProjectID, c.Location, c.WorkflowID)
}

// WorkflowNotifier starts a workflow execution with a JSON payload.
type WorkflowNotifier struct {
	client ExecutionCreator
	config WorkflowConfig
	logger *slog.Logger
}

// NewWorkflowNotifier creates an Executions client for cfg.
func NewWorkflowNotifier(ctx context.Context, logger *slog.Logger, cfg WorkflowConfig) (*WorkflowNotifier, func() error, error) {
	if cfg.ProjectID == "" {
		return nil, nil, fmt.Errorf("gcp_project must be set to trigger workflow %s", cfg.WorkflowID)
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return NewWorkflowNotifierWithClient(logger, cfg, client), client.Close, nil
}

// NewWorkflowNotifierWithClient wires an existing client.
func NewWorkflowNotifierWithClient(logger *slog.Logger, cfg WorkflowConfig, client ExecutionCreator) *WorkflowNotifier {
	return &WorkflowNotifier{client: client, config: cfg, logger: logger}
}

// Notify marshals payload as the execution argument and starts the workflow.
func (n *WorkflowNotifier) Notify(ctx context.Context, payload any) error {
	logCtx := n.logger.With("workflow", n.config.WorkflowID)
	logCtx.Info("Triggering workflow.")

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: n.config.parent(),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := n.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	logCtx.Info("Hand-off to workflow complete.", "execution", exec.GetName())
	return nil
}
