package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taskpool/internal/domain"
)

const meterName = "taskpool/internal/engine"

// Metrics holds the engine's instruments. The zero value records nothing.
type Metrics struct {
	evaluations  metric.Int64Counter
	tasksCreated metric.Int64Counter
	transitions  metric.Int64Counter
}

// NewMetrics registers the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	var m Metrics
	var err error
	if m.evaluations, err = meter.Int64Counter("taskpool.rule.evaluations",
		metric.WithDescription("Rule evaluations by outcome and suppression reason")); err != nil {
		return nil, err
	}
	if m.tasksCreated, err = meter.Int64Counter("taskpool.rule.tasks_created",
		metric.WithDescription("Tasks instantiated from templates by applied rules")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("taskpool.task.transitions",
		metric.WithDescription("Task and card transitions by operation and result")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) evaluation(ctx context.Context, outcome domain.Outcome, reason domain.SuppressionReason) {
	if m == nil || m.evaluations == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", string(outcome))}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", string(reason)))
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) evaluationFailed(ctx context.Context) {
	if m == nil || m.evaluations == nil {
		return
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
}

func (m *Metrics) created(ctx context.Context, ruleID int64, n int) {
	if m == nil || m.tasksCreated == nil || n == 0 {
		return
	}
	m.tasksCreated.Add(ctx, int64(n), metric.WithAttributes(attribute.Int64("rule_id", ruleID)))
}

func (m *Metrics) transition(ctx context.Context, op string, err error) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", resultLabel(err)),
	))
}

func resultLabel(err error) string {
	switch err.(type) {
	case nil:
		return "ok"
	case NotFoundError:
		return "not_found"
	case ConflictError:
		return "conflict"
	case ForbiddenError:
		return "forbidden"
	case ValidationError:
		return "invalid"
	}
	return "error"
}
