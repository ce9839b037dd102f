package brainstem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/journal"
	"github.com/medulla-ai/medulla/internal/llm"
	"github.com/medulla-ai/medulla/internal/memory"
	"github.com/medulla-ai/medulla/internal/modes"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/telemetry"
)

// SensorSource produces one metrics snapshot per poll.
type SensorSource interface {
	Snapshot(ctx context.Context) map[string]float64
}

// ModeEvaluator applies the policy's transition rules to a snapshot.
type ModeEvaluator interface {
	EvaluateTransitions(ctx context.Context, sensors map[string]float64) *modes.Transition
}

// CaptureLister reads back recent task captures.
type CaptureLister interface {
	ListSince(ctx context.Context, days int) ([]journal.TaskCapture, error)
}

// Extractor pulls entities and relationships out of a transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (*llm.ExtractionResult, error)
}

// EntryAppender files a captain's-log entry for operator review.
type EntryAppender interface {
	Append(ctx context.Context, entry journal.Entry) (*journal.Entry, error)
}

// GraphHealth reports memory-graph structure for the quality monitor.
type GraphHealth interface {
	HealthReport(ctx context.Context) memory.Health
}

// TelemetryReader is the slice of the telemetry query surface the
// self-tuning loops need.
type TelemetryReader interface {
	ResourcePercentiles(ctx context.Context, metric string, days int) (telemetry.Percentiles, error)
	TaskPatterns(ctx context.Context, days int) (telemetry.TaskPatterns, error)
}

// CostReader reports trailing-week spend.
type CostReader interface {
	WeeklyCost(ctx context.Context) (float64, error)
}

// LifecycleRunner executes one full retention pass.
type LifecycleRunner interface {
	Run(ctx context.Context, dryRun bool) error
}

// NewSensorPollLoop reads the sensor snapshot, evaluates mode transition
// rules against it, and records the snapshot as a sensor_poll event. The
// event's sensors map is the source the percentile queries read back.
func NewSensorPollLoop(source SensorSource, evaluator ModeEvaluator, events *observability.EventLog) Loop {
	return Loop{
		Name:     config.LoopSensorPoll,
		Interval: 30 * time.Second,
		Jitter:   5 * time.Second,
		Run: func(ctx context.Context) error {
			snapshot := source.Snapshot(ctx)
			if len(snapshot) == 0 {
				return nil
			}
			evaluator.EvaluateTransitions(ctx, snapshot)
			events.Emit(ctx, observability.Event{
				Type:      observability.EventSensorPoll,
				Component: "brainstem",
				Data:      map[string]any{"sensors": snapshot},
			})
			return nil
		},
	}
}

// NewConsolidationLoop folds the day's task captures into the memory graph.
// Each capture is consolidated exactly once per process; empty extraction
// results still mark the capture done so it is not retried forever.
func NewConsolidationLoop(captures CaptureLister, extractor Extractor, store memory.Store, events *observability.EventLog, logger *observability.Logger) Loop {
	seen := make(map[string]bool)
	return Loop{
		Name:     config.LoopConsolidation,
		Interval: 15 * time.Minute,
		Jitter:   time.Minute,
		Run: func(ctx context.Context) error {
			recent, err := captures.ListSince(ctx, 1)
			if err != nil {
				return fmt.Errorf("list captures: %w", err)
			}

			consolidated := 0
			var entities, relationships int
			for _, capture := range recent {
				if seen[capture.TraceID] {
					continue
				}

				transcript := fmt.Sprintf("User: %s\nAssistant: %s", capture.UserMessage, capture.AssistantResponse)
				result, err := extractor.Extract(ctx, transcript)
				if err != nil {
					logger.Warn(ctx, "extraction failed, capture deferred",
						"trace_id", capture.TraceID, "error", err)
					continue
				}

				if _, err := store.CreateConversation(ctx, memory.Conversation{
					SessionID:         capture.SessionID,
					TraceID:           capture.TraceID,
					UserMessage:       capture.UserMessage,
					AssistantResponse: capture.AssistantResponse,
					CreatedAt:         capture.Timestamp,
				}); err != nil {
					logger.Warn(ctx, "conversation write failed", "trace_id", capture.TraceID, "error", err)
					continue
				}
				for _, e := range result.Entities {
					if _, err := store.CreateEntity(ctx, memory.Entity{
						Name:        e.Name,
						Type:        e.Type,
						Description: e.Description,
						Mentions:    1,
					}); err != nil {
						logger.Warn(ctx, "entity write failed", "entity", e.Name, "error", err)
					}
					entities++
				}
				for _, r := range result.Relationships {
					if err := store.CreateRelationship(ctx, memory.Relationship{
						From:       r.From,
						To:         r.To,
						Type:       r.Type,
						Confidence: r.Confidence,
					}); err != nil {
						logger.Warn(ctx, "relationship write failed", "from", r.From, "to", r.To, "error", err)
					}
					relationships++
				}

				seen[capture.TraceID] = true
				consolidated++
			}

			if consolidated > 0 {
				events.Emit(ctx, observability.Event{
					Type:      observability.EventConsolidationTriggered,
					Component: "brainstem",
					Data: map[string]any{
						"captures_consolidated": consolidated,
						"entities_extracted":    entities,
						"relationships_added":   relationships,
					},
				})
			}
			return nil
		},
	}
}

// NewQualityMonitorLoop reports memory-graph health and flags structural
// anomalies: dangling relationship endpoints, or a graph that is mostly
// orphans.
func NewQualityMonitorLoop(graph GraphHealth, events *observability.EventLog) Loop {
	return Loop{
		Name:     config.LoopQualityMonitor,
		Interval: time.Hour,
		Jitter:   5 * time.Minute,
		Run: func(ctx context.Context) error {
			health := graph.HealthReport(ctx)
			events.Emit(ctx, observability.Event{
				Type:      observability.EventQualityReport,
				Component: "brainstem",
				Data: map[string]any{
					"entities":               health.Entities,
					"relationships":          health.Relationships,
					"conversations":          health.Conversations,
					"orphan_entities":        health.OrphanEntities,
					"dangling_relationships": health.DanglingRelationships,
					"avg_mentions":           health.AvgMentions,
				},
			})

			var anomalies []string
			if health.DanglingRelationships > 0 {
				anomalies = append(anomalies, fmt.Sprintf("%d relationships reference unknown entities", health.DanglingRelationships))
			}
			if health.Entities >= 10 && float64(health.OrphanEntities) > 0.5*float64(health.Entities) {
				anomalies = append(anomalies, fmt.Sprintf("%d of %d entities are unconnected", health.OrphanEntities, health.Entities))
			}
			for _, anomaly := range anomalies {
				events.Emit(ctx, observability.Event{
					Type:      observability.EventQualityAnomaly,
					Component: "brainstem",
					Data:      map[string]any{"anomaly": anomaly},
				})
			}
			return nil
		},
	}
}

// NewThresholdOptimizerLoop compares the week's observed p95 for each metric
// named by a transition rule against the rule's configured threshold. A
// threshold the p95 already exceeds would keep the runtime flapping into the
// degraded modes, so the loop drafts a config proposal for operator review.
// Nothing is changed automatically. Each (metric, threshold) pair is proposed
// at most once per process.
func NewThresholdOptimizerLoop(queries TelemetryReader, policy *governance.Policy, appender EntryAppender, logger *observability.Logger) Loop {
	proposed := make(map[string]bool)
	return Loop{
		Name:     config.LoopThresholdOptimizer,
		Interval: 6 * time.Hour,
		Jitter:   10 * time.Minute,
		Run: func(ctx context.Context) error {
			for _, rule := range policy.TransitionRules {
				for _, cond := range rule.Conditions {
					if cond.Op != ">" && cond.Op != ">=" {
						continue
					}
					key := fmt.Sprintf("%s|%s|%g", cond.Metric, cond.Op, cond.Threshold)
					if proposed[key] {
						continue
					}

					pct, err := queries.ResourcePercentiles(ctx, cond.Metric, 7)
					if err != nil {
						return fmt.Errorf("percentiles for %s: %w", cond.Metric, err)
					}
					if pct.P95 == 0 || pct.P95 < cond.Threshold {
						continue
					}

					suggested := pct.P95 * 1.1
					metricName := strings.TrimPrefix(cond.Metric, "perf_system_")
					_, err = appender.Append(ctx, journal.Entry{
						Type:  journal.TypeConfigProposal,
						Title: fmt.Sprintf("raise %s threshold for %s to %s", metricName, rule.From+" to "+rule.To, fmt.Sprintf("%.1f", suggested)),
						Rationale: fmt.Sprintf(
							"The weekly p95 for %s is %.1f, at or above the %s %s %.1f condition on the %s to %s rule. The runtime flaps into %s under normal load.",
							cond.Metric, pct.P95, cond.Metric, cond.Op, cond.Threshold, rule.From, rule.To, rule.To),
						ProposedChange: map[string]any{
							"rule_from":     rule.From,
							"rule_to":       rule.To,
							"metric":        cond.Metric,
							"old_threshold": cond.Threshold,
							"new_threshold": suggested,
						},
						MetricsStructured: []journal.MetricSample{
							{Name: cond.Metric + "_p50", Value: pct.P50, Window: "7d"},
							{Name: cond.Metric + "_p95", Value: pct.P95, Window: "7d"},
							{Name: cond.Metric + "_p99", Value: pct.P99, Window: "7d"},
						},
					})
					if err != nil {
						logger.Warn(ctx, "threshold proposal not filed", "metric", cond.Metric, "error", err)
						continue
					}
					proposed[key] = true
				}
			}
			return nil
		},
	}
}

// NewInsightsEngineLoop looks at weekly spend and task patterns and emits
// insight events; budget overruns additionally get a captain's-log entry.
func NewInsightsEngineLoop(queries TelemetryReader, costs CostReader, budgetUSD float64, appender EntryAppender, events *observability.EventLog, logger *observability.Logger) Loop {
	var budgetFiled bool
	return Loop{
		Name:     config.LoopInsightsEngine,
		Interval: 24 * time.Hour,
		Jitter:   time.Hour,
		Run: func(ctx context.Context) error {
			weekly, err := costs.WeeklyCost(ctx)
			if err != nil {
				return fmt.Errorf("weekly cost: %w", err)
			}
			if budgetUSD > 0 && weekly > budgetUSD {
				events.Emit(ctx, observability.Event{
					Type:      observability.EventInsightGenerated,
					Component: "brainstem",
					Data: map[string]any{
						"insight":         "weekly_budget_exceeded",
						"weekly_cost_usd": weekly,
						"budget_usd":      budgetUSD,
					},
				})
				if !budgetFiled {
					if _, err := appender.Append(ctx, journal.Entry{
						Type:  journal.TypeObservation,
						Title: "weekly model spend over budget",
						Rationale: fmt.Sprintf("Trailing seven-day spend is $%.2f against a $%.2f budget. Consider routing more traffic to local models or lowering extraction frequency.",
							weekly, budgetUSD),
						MetricsStructured: []journal.MetricSample{
							{Name: "weekly_cost_usd", Value: weekly, Window: "7d"},
							{Name: "weekly_budget_usd", Value: budgetUSD},
						},
					}); err != nil {
						logger.Warn(ctx, "budget observation not filed", "error", err)
					} else {
						budgetFiled = true
					}
				}
			}

			patterns, err := queries.TaskPatterns(ctx, 7)
			if err != nil {
				return fmt.Errorf("task patterns: %w", err)
			}
			if patterns.Total >= 10 && patterns.SuccessRate < 0.8 {
				events.Emit(ctx, observability.Event{
					Type:      observability.EventInsightGenerated,
					Component: "brainstem",
					Data: map[string]any{
						"insight":      "task_success_rate_low",
						"success_rate": patterns.SuccessRate,
						"tasks":        patterns.Total,
					},
				})
			}
			if len(patterns.MostUsedTools) > 0 {
				events.Emit(ctx, observability.Event{
					Type:      observability.EventInsightGenerated,
					Component: "brainstem",
					Data: map[string]any{
						"insight":         "top_tool",
						"tool_name":       patterns.MostUsedTools[0].Name,
						"tool_call_count": patterns.MostUsedTools[0].Count,
					},
				})
			}
			return nil
		},
	}
}

// NewLifecycleLoop runs the retention manager nightly.
func NewLifecycleLoop(manager LifecycleRunner) Loop {
	return Loop{
		Name: config.LoopLifecycle,
		Cron: "0 3 * * *",
		Run: func(ctx context.Context) error {
			return manager.Run(ctx, false)
		},
	}
}
