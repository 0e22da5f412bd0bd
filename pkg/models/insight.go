package models

import "time"

// Insight is a lesson derived from a completed task. Insights are
// append-only.
type Insight struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	PlanID          string         `json:"plan_id,omitempty"`
	TaskID          string         `json:"task_id,omitempty"`
	Goal            string         `json:"goal,omitempty"`
	Insights        map[string]any `json:"insights"`
	Recommendations map[string]any `json:"recommendations"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Suggestions returns the string suggestions recorded in the recommendations.
func (i *Insight) Suggestions() []string {
	if i == nil || i.Recommendations == nil {
		return nil
	}
	switch v := i.Recommendations["suggestions"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
