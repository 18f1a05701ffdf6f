package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskSweepBranch = "pipeline.sweep"

const TaskFollowUpDue = "automation.follow_up.due"

type SweepBranchPayload struct {
	BranchID string `json:"branchId"`
}

type FollowUpDuePayload struct {
	LeadID   string  `json:"leadId"`
	BranchID string  `json:"branchId"`
	AgentID  *string `json:"agentId,omitempty"`
	RuleID   string  `json:"ruleId"`
	Note     string  `json:"note,omitempty"`
	DueAt    string  `json:"dueAt"`
}

func NewSweepBranchTask(payload SweepBranchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepBranch, data), nil
}

func ParseSweepBranchPayload(task *asynq.Task) (SweepBranchPayload, error) {
	var payload SweepBranchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SweepBranchPayload{}, err
	}
	return payload, nil
}

func NewFollowUpDueTask(payload FollowUpDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFollowUpDue, data), nil
}

func ParseFollowUpDuePayload(task *asynq.Task) (FollowUpDuePayload, error) {
	var payload FollowUpDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FollowUpDuePayload{}, err
	}
	return payload, nil
}
