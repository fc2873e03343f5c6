package bootstrap

import (
	"context"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/pkg/json"
)

// TemporalStarter adapts the Temporal client to the queue worker's starter
// contract.
type TemporalStarter struct {
	client    client.Client
	taskQueue string
	log       *zap.Logger
}

// NewTemporalStarter creates the adapter.
func NewTemporalStarter(c client.Client, taskQueue string, log *zap.Logger) *TemporalStarter {
	return &TemporalStarter{
		client:    c,
		taskQueue: taskQueue,
		log:       log.With(zap.String("module", "temporal_starter")),
	}
}

// Start begins the bootstrap execution under the derived workflow id, or
// attaches to the live one. The reuse policy permits a fresh run only after a
// failed or cancelled one, so a completed bootstrap is never re-run.
func (s *TemporalStarter) Start(ctx context.Context, workflowID, queueID string, request []byte) (string, error) {
	var req Request
	if err := json.Unmarshal(request, &req); err != nil {
		return "", fmt.Errorf("decode bootstrap request: %w", err)
	}
	req.QueueID = queueID

	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}, WorkflowName, req)
	if err != nil {
		return "", err
	}
	return run.GetRunID(), nil
}

// Await blocks until the execution finishes and returns its encoded result.
func (s *TemporalStarter) Await(ctx context.Context, workflowID, runID string) ([]byte, error) {
	var result Result
	if err := s.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, &result); err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// IsRunning reports whether an execution with the id is currently open.
func (s *TemporalStarter) IsRunning(ctx context.Context, workflowID string) (string, bool, error) {
	resp, err := s.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		if _, ok := err.(*serviceerror.NotFound); ok {
			return "", false, nil
		}
		return "", false, err
	}
	info := resp.GetWorkflowExecutionInfo()
	running := info.GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING
	return info.GetExecution().GetRunId(), running, nil
}

// Cancel requests cancellation; the workflow compensates and fails.
func (s *TemporalStarter) Cancel(ctx context.Context, workflowID, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID, runID)
}

// Register attaches the workflow and its activities to a Temporal worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflowWithOptions(OrganizationBootstrap, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(a)
}
