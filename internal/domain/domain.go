package domain

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskAvailable TaskStatus = "available"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskAvailable, TaskClaimed, TaskCompleted:
		return true
	}
	return false
}

// CardStatus is the lifecycle state of a card.
type CardStatus string

const (
	CardPending    CardStatus = "pendiente"
	CardInProgress CardStatus = "en_curso"
	CardClosed     CardStatus = "cerrada"
)

func (s CardStatus) Valid() bool {
	switch s {
	case CardPending, CardInProgress, CardClosed:
		return true
	}
	return false
}

// ResourceType names the event stream a rule listens to.
type ResourceType string

const (
	ResourceTask ResourceType = "task"
	ResourceCard ResourceType = "card"
)

func (r ResourceType) Valid() bool {
	return r == ResourceTask || r == ResourceCard
}

// ValidState reports whether state belongs to the resource's status enumeration.
func (r ResourceType) ValidState(state string) bool {
	switch r {
	case ResourceTask:
		return TaskStatus(state).Valid()
	case ResourceCard:
		return CardStatus(state).Valid()
	}
	return false
}

type Project struct {
	ID    int64  `json:"id"`
	OrgID int64  `json:"org_id"`
	Name  string `json:"name"`
}

type User struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

// Task is a unit of work. ClaimedBy is set iff Status is claimed or completed.
type Task struct {
	ID                int64      `json:"id"`
	OrgID             int64      `json:"org_id"`
	ProjectID         int64      `json:"project_id"`
	TypeID            int64      `json:"type_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Priority          int        `json:"priority"`
	Status            TaskStatus `json:"status" enum:"available,claimed,completed"`
	ClaimedBy         *int64     `json:"claimed_by,omitempty"`
	Version           int64      `json:"version"`
	SourceRuleID      *int64     `json:"source_rule_id,omitempty"`
	SourceExecutionID *string    `json:"source_execution_id,omitempty"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
	ClaimedAt         *string    `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt       *string    `json:"completed_at,omitempty" format:"date-time"`
}

type Card struct {
	ID        int64      `json:"id"`
	OrgID     int64      `json:"org_id"`
	ProjectID int64      `json:"project_id"`
	Title     string     `json:"title"`
	Status    CardStatus `json:"status" enum:"pendiente,en_curso,cerrada"`
	Version   int64      `json:"version"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

// Workflow is a named container of rules, scoped to an org or to one project.
type Workflow struct {
	ID          int64  `json:"id"`
	OrgID       int64  `json:"org_id"`
	ProjectID   *int64 `json:"project_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	CreatedBy   int64  `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Rule struct {
	ID                int64        `json:"id"`
	WorkflowID        int64        `json:"workflow_id"`
	Name              string       `json:"name"`
	Goal              string       `json:"goal,omitempty"`
	ResourceType      ResourceType `json:"resource_type" enum:"task,card"`
	TaskTypeID        *int64       `json:"task_type_id,omitempty"`
	ToState           string       `json:"to_state"`
	Active            bool         `json:"active"`
	UserTriggeredOnly bool         `json:"user_triggered_only"`
	TemplateIDs       []int64      `json:"template_ids,omitempty"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
}

type TaskTemplate struct {
	ID          int64  `json:"id"`
	OrgID       int64  `json:"org_id"`
	ProjectID   *int64 `json:"project_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TypeID      int64  `json:"type_id"`
	Priority    int    `json:"priority"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuppressed Outcome = "suppressed"
)

type SuppressionReason string

const (
	ReasonInactive         SuppressionReason = "inactive"
	ReasonNotMatching      SuppressionReason = "not_matching"
	ReasonNotUserTriggered SuppressionReason = "not_user_triggered"
	ReasonIdempotent       SuppressionReason = "idempotent"
)

// RuleExecution is an immutable ledger row; (RuleID, OriginType, OriginID) is unique.
type RuleExecution struct {
	ID                string            `json:"id"`
	RuleID            int64             `json:"rule_id"`
	OriginType        ResourceType      `json:"origin_type" enum:"task,card"`
	OriginID          int64             `json:"origin_id"`
	Outcome           Outcome           `json:"outcome" enum:"applied,suppressed"`
	SuppressionReason SuppressionReason `json:"suppression_reason,omitempty"`
	UserID            *int64            `json:"user_id,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
}

// AuditEntry is one row of the transition audit trail.
type AuditEntry struct {
	ID         int64        `json:"id"`
	TS         string       `json:"ts" format:"date-time"`
	OrgID      int64        `json:"org_id"`
	Event      string       `json:"event"`
	OriginType ResourceType `json:"origin_type"`
	OriginID   int64        `json:"origin_id"`
	ActorID    *int64       `json:"actor_id,omitempty"`
	FromStatus string       `json:"from_status,omitempty"`
	ToStatus   string       `json:"to_status,omitempty"`
	Payload    string       `json:"payload_json"`
}

// ActiveWork records the task a user is currently working on.
type ActiveWork struct {
	UserID    int64  `json:"user_id"`
	TaskID    int64  `json:"task_id"`
	StartedAt string `json:"started_at" format:"date-time"`
}
