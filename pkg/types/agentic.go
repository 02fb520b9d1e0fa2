package types

import "time"

// DecisionRecord is an append-only record of a completed authorization
// decision. Records are ordered per principal by their ULID ids.
type DecisionRecord struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId,omitempty"`
	Request      *CheckRequest  `json:"request"`
	Response     *CheckResponse `json:"response"`
	Timestamp    time.Time      `json:"timestamp"`
	AnomalyScore *float64       `json:"anomalyScore,omitempty"`
}

// PrincipalStats summarizes a principal's decision history
type PrincipalStats struct {
	PrincipalID     string         `json:"principalId"`
	TotalRequests   int            `json:"totalRequests"`
	UniqueResources int            `json:"uniqueResources"`
	CommonActions   []ActionCount  `json:"commonActions"`
	CommonHours     []int          `json:"commonHours"`
	ResourceKinds   map[string]int `json:"resourceKinds"`
}

// ActionCount pairs an action with its observed frequency
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// AnomalyType enumerates the categories of detected anomalies
type AnomalyType string

const (
	AnomalyVelocitySpike         AnomalyType = "velocity_spike"
	AnomalyPermissionEscalation  AnomalyType = "permission_escalation"
	AnomalyUnusualAccessTime     AnomalyType = "unusual_access_time"
	AnomalyUnusualResourceAccess AnomalyType = "unusual_resource_access"
	AnomalyPatternDeviation      AnomalyType = "pattern_deviation"
	AnomalyBulkOperation         AnomalyType = "bulk_operation"
	AnomalyGeographic            AnomalyType = "geographic_anomaly"
	AnomalyNewResourceType       AnomalyType = "new_resource_type"
)

// Severity grades anomalies and risk factors
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyStatus tracks the triage state of an anomaly
type AnomalyStatus string

const (
	AnomalyOpen          AnomalyStatus = "open"
	AnomalyResolved      AnomalyStatus = "resolved"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
)

// RiskFactor is a single contributing signal behind an anomaly score
type RiskFactor struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Score       float64  `json:"score"`
	Description string   `json:"description,omitempty"`
}

// Anomaly records a request scored above the detection threshold
type Anomaly struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId,omitempty"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Type        AnomalyType    `json:"type"`
	Severity    Severity       `json:"severity"`
	PrincipalID string         `json:"principalId"`
	Score       float64        `json:"score"`
	Factors     []RiskFactor   `json:"factors"`
	Baseline    *Baseline      `json:"baseline,omitempty"`
	Observed    map[string]any `json:"observed,omitempty"`
	Status      AnomalyStatus  `json:"status"`
}

// Baseline is a per-principal statistical summary used as the reference
// for "normal" behavior. Entries below the minimum sample size are not
// used; the principal is treated as new instead.
type Baseline struct {
	PrincipalID        string    `json:"principalId"`
	AvgRequestsPerHour float64   `json:"avgRequestsPerHour"`
	CommonActions      []string  `json:"commonActions"`
	CommonKinds        []string  `json:"commonKinds"`
	CommonHours        []int     `json:"commonHours"`
	UniqueResources    int       `json:"uniqueResources"`
	SampleSize         int       `json:"sampleSize"`
	ComputedAt         time.Time `json:"computedAt"`
}

// EnforcementType enumerates the side effects the enforcer can apply
type EnforcementType string

const (
	EnforcementRateLimit       EnforcementType = "rate_limit"
	EnforcementTemporaryBlock  EnforcementType = "temporary_block"
	EnforcementAlertAdmin      EnforcementType = "alert_admin"
	EnforcementRequireApproval EnforcementType = "require_approval"
)

// ActionStatus tracks the lifecycle of an enforcement action.
// Transitions are monotonic; completed and rolled_back are terminal.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionApproved   ActionStatus = "approved"
	ActionCompleted  ActionStatus = "completed"
	ActionRolledBack ActionStatus = "rolled_back"
	ActionFailed     ActionStatus = "failed"
)

// ActionTrigger records what caused an enforcement action
type ActionTrigger struct {
	AgentType  string   `json:"agentType"`
	Reason     string   `json:"reason"`
	RelatedIDs []string `json:"relatedIds,omitempty"`
}

// EnforcerAction is a side effect applied to a principal
type EnforcerAction struct {
	ID          string          `json:"id"`
	Type        EnforcementType `json:"type"`
	PrincipalID string          `json:"principalId"`
	Priority    int             `json:"priority"`
	Status      ActionStatus    `json:"status"`
	Trigger     ActionTrigger   `json:"trigger"`
	CanRollback bool            `json:"canRollback"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// Terminal reports whether the action can no longer transition
func (a *EnforcerAction) Terminal() bool {
	return a.Status == ActionCompleted && !a.CanRollback ||
		a.Status == ActionRolledBack || a.Status == ActionFailed
}

// EnforcementCheck is the result of the pre-decision enforcement gate
type EnforcementCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// LearnedPattern is an access pattern mined from decision history.
// Patterns are advisory; they never mutate policies.
type LearnedPattern struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	Description         string    `json:"description"`
	Confidence          float64   `json:"confidence"`
	SampleSize          int       `json:"sampleSize"`
	DiscoveredAt        time.Time `json:"discoveredAt"`
	LastUpdated         time.Time `json:"lastUpdated"`
	IsApproved          bool      `json:"isApproved"`
	SuggestedPolicyRule string    `json:"suggestedPolicyRule,omitempty"`
}

// ExplanationFactor is one element of a structured decision explanation
type ExplanationFactor struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

// PathToAllow describes what a denied principal would need to be allowed
type PathToAllow struct {
	MissingRoles       []string `json:"missingRoles,omitempty"`
	MissingAttributes  []string `json:"missingAttributes,omitempty"`
	RequiredConditions []string `json:"requiredConditions,omitempty"`
	SuggestedActions   []string `json:"suggestedActions,omitempty"`
}

// Explanation is the advisor's account of a decision. NaturalLanguage is
// populated only when an external text generator is configured; the
// structured fields always carry the full explanation.
type Explanation struct {
	Summary         string              `json:"summary"`
	Factors         []ExplanationFactor `json:"factors"`
	NaturalLanguage string              `json:"naturalLanguage,omitempty"`
	PathToAllow     *PathToAllow        `json:"pathToAllow,omitempty"`
}

// AgenticResult is the merged output of the agent pipeline
type AgenticResult struct {
	Response         *CheckResponse    `json:"response"`
	AnomalyScore     float64           `json:"anomalyScore"`
	Anomaly          *Anomaly          `json:"anomaly,omitempty"`
	Explanation      *Explanation      `json:"explanation,omitempty"`
	Enforcement      *EnforcementCheck `json:"enforcement,omitempty"`
	EnforcerAction   *EnforcerAction   `json:"enforcerAction,omitempty"`
	Swarm            *SwarmDecision    `json:"swarm,omitempty"`
	AgentsInvolved   []string          `json:"agentsInvolved"`
	ProcessingTimeMs float64           `json:"processingTimeMs"`
}
