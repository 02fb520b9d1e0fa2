package types

import "time"

// AgentRole identifies the pipeline role a swarm agent serves
type AgentRole string

const (
	RoleGuardian    AgentRole = "guardian"
	RoleAnalyst     AgentRole = "analyst"
	RoleAdvisor     AgentRole = "advisor"
	RoleEnforcer    AgentRole = "enforcer"
	RoleCoordinator AgentRole = "coordinator"
)

// AgentStatus tracks a swarm agent's lifecycle state
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentBusy        AgentStatus = "busy"
	AgentCoolingDown AgentStatus = "cooling_down"
	AgentDraining    AgentStatus = "draining"
	AgentTerminated  AgentStatus = "terminated"
)

// SwarmAgent is a replicated worker in the agent pool
type SwarmAgent struct {
	ID             string      `json:"id"`
	Role           AgentRole   `json:"role"`
	Status         AgentStatus `json:"status"`
	Load           float64     `json:"load"` // 0..1
	Capabilities   []string    `json:"capabilities,omitempty"`
	PriorityWeight float64     `json:"priorityWeight"`
	TaskTypes      []string    `json:"taskTypes"`
	SpawnedAt      time.Time   `json:"spawnedAt"`
	LastActive     time.Time   `json:"lastActive"`
}

// SupportsTask reports whether the agent handles the given task type
func (a *SwarmAgent) SupportsTask(taskType string) bool {
	for _, t := range a.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// StageDecision is a per-stage verdict from a swarm worker
type StageDecision string

const (
	StageAllow         StageDecision = "allow"
	StageDeny          StageDecision = "deny"
	StageIndeterminate StageDecision = "indeterminate"
)

// StageResult is the outcome of one pipeline stage run by a swarm agent
type StageResult struct {
	Role       AgentRole     `json:"role"`
	AgentID    string        `json:"agentId"`
	Decision   StageDecision `json:"decision"`
	Confidence float64       `json:"confidence"` // 0..1
	Reason     string        `json:"reason,omitempty"`
}

// ConsensusVote is a single advisor replica's vote on a proposal
type ConsensusVote struct {
	Voter      string    `json:"voter"`
	Approve    bool      `json:"approve"`
	Confidence float64   `json:"confidence"` // 0..1
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// ConsensusResult is the outcome of a quorum round among advisor replicas
type ConsensusResult struct {
	ProposalID    string   `json:"proposalId"`
	Reached       bool     `json:"reached"`
	Decision      bool     `json:"decision"`
	TotalVotes    int      `json:"totalVotes"`
	Approvals     int      `json:"approvals"`
	Rejections    int      `json:"rejections"`
	AvgConfidence float64  `json:"avgConfidence"`
	Participants  []string `json:"participants"`
	DurationMs    float64  `json:"durationMs"`
}

// SwarmDecision is the merged verdict produced by the coordinator
type SwarmDecision struct {
	RequestID  string           `json:"requestId"`
	Decision   StageDecision    `json:"decision"`
	AllowRatio float64          `json:"allowRatio"`
	DenyRatio  float64          `json:"denyRatio"`
	Stages     []StageResult    `json:"stages"`
	Consensus  *ConsensusResult `json:"consensus,omitempty"`
	DurationMs float64          `json:"durationMs"`
}
