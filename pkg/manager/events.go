package manager

import (
	"encoding/json"

	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/types"
)

// publishFor translates applied entries into broker events for watch
// streams. Publishing happens on every node so local subscribers see the
// same stream regardless of which replica they watch.
func (m *Manager) publishFor(entry types.Entry, result *state.ApplyResult) {
	if result.Err != nil {
		return
	}

	if result.NodeOnline != "" {
		m.broker.Emit(events.EventNodeOnline, string(events.EventNodeOnline),
			map[string]string{"node_id": result.NodeOnline})
	}

	taskEvent := func(t events.EventType, taskID string) {
		m.broker.Emit(t, string(t), map[string]string{"task_id": taskID})
	}

	switch entry.Kind {
	case types.EntryTaskSubmit:
		var p types.TaskSubmitPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			taskEvent(events.EventTaskSubmitted, p.Task.ID)
		}
	case types.EntryTaskAssign:
		var p types.TaskAssignPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			m.broker.Emit(events.EventTaskAssigned, string(events.EventTaskAssigned),
				map[string]string{"task_id": p.TaskID, "node_id": p.NodeID})
		}
	case types.EntryTaskStarted:
		var p types.TaskStartedPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			taskEvent(events.EventTaskStarted, p.TaskID)
		}
	case types.EntryTaskComplete:
		var p types.TaskCompletePayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			taskEvent(events.EventTaskCompleted, p.TaskID)
		}
	case types.EntryTaskFailed:
		var p types.TaskFailedPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			m.broker.Emit(events.EventTaskFailed, p.Error, map[string]string{"task_id": p.TaskID})
		}
	case types.EntryTaskRetry:
		var p types.TaskRetryPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			taskEvent(events.EventTaskRetried, p.TaskID)
		}
	case types.EntryTaskCancel:
		var p types.TaskCancelPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			taskEvent(events.EventTaskCancelled, p.TaskID)
		}
	case types.EntryTaskDeadLetter:
		var p types.TaskDeadLetterPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			m.broker.Emit(events.EventTaskDeadLettered, p.Reason, map[string]string{"task_id": p.TaskID})
		}

	case types.EntryWorkflowSubmit:
		var p types.WorkflowSubmitPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			m.broker.Emit(events.EventWorkflowSubmitted, p.Workflow.Name,
				map[string]string{"workflow_id": p.Workflow.ID})
		}
	case types.EntryWorkflowAdvance:
		var p types.WorkflowAdvancePayload
		if json.Unmarshal(entry.Payload, &p) != nil {
			return
		}
		// the advance handler stamps CompletedAt with the entry time, so
		// the entry that finished the workflow is the one that reports it
		wf, err := m.store.GetWorkflow(p.WorkflowID)
		if err != nil || !wf.CompletedAt.Equal(entry.AppendedAt) {
			return
		}
		switch wf.State {
		case types.WorkflowStateCompleted:
			m.broker.Emit(events.EventWorkflowCompleted, wf.Name,
				map[string]string{"workflow_id": wf.ID})
		case types.WorkflowStateFailed:
			m.broker.Emit(events.EventWorkflowFailed, wf.Name,
				map[string]string{"workflow_id": wf.ID})
		}
	}
}
