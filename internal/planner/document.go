package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Document is the JSON shape the planning model is asked to produce.
type Document struct {
	Steps          []models.PlanStep `json:"steps" jsonschema:"minItems=1"`
	EstimatedSteps int               `json:"estimated_steps,omitempty"`
	Complexity     string            `json:"complexity,omitempty" jsonschema:"enum=low,enum=medium,enum=high"`
}

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// DocumentSchema returns the JSON Schema for Document.
func DocumentSchema() ([]byte, error) {
	loadSchema()
	return schemaJSON, schemaErr
}

func loadSchema() {
	schemaOnce.Do(func() {
		r := &invopop.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			AllowAdditionalProperties: true,
			Mapper: func(t reflect.Type) *invopop.Schema {
				if t == rawMessageType {
					return &invopop.Schema{Type: "object"}
				}
				return nil
			},
		}
		schema := r.Reflect(&Document{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
		if schemaErr != nil {
			return
		}
		compiledSchema, schemaErr = jsonschema.CompileString("plan.json", string(schemaJSON))
	})
}

// ParseDocument extracts and shape-checks a plan document from model output.
// Markdown code fences and prose around the JSON object are tolerated; null
// values are treated as absent.
func ParseDocument(text string) (*Document, error) {
	loadSchema()
	if schemaErr != nil {
		return nil, fmt.Errorf("plan schema: %w", schemaErr)
	}

	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	doc = dropNulls(doc)
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan shape: %w", err)
	}

	cleaned, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(cleaned, &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &out, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func dropNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if item == nil {
				delete(val, k)
				continue
			}
			val[k] = dropNulls(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = dropNulls(item)
		}
		return val
	}
	return v
}

// checkSteps validates plan semantics: unique positive step numbers, tool
// references in the allow-list, dependencies that exist, and no cycles. The
// steps are returned ordered by step number.
func checkSteps(steps []models.PlanStep, allowed func(string) bool) ([]models.PlanStep, *PlanningFailure) {
	byNumber := make(map[int]int, len(steps))
	for i, step := range steps {
		if step.Number < 1 {
			return nil, failure(ReasonMalformed, "step %d: step numbers start at 1", step.Number)
		}
		if strings.TrimSpace(step.Description) == "" {
			return nil, failure(ReasonMalformed, "step %d: description is required", step.Number)
		}
		if _, dup := byNumber[step.Number]; dup {
			return nil, failure(ReasonMalformed, "step %d appears twice", step.Number)
		}
		byNumber[step.Number] = i
		if len(bytes.TrimSpace(step.Arguments)) > 0 && step.Tool == "" {
			return nil, failure(ReasonMalformed, "step %d: arguments without a tool", step.Number)
		}
	}

	for _, step := range steps {
		if step.Tool != "" && !allowed(step.Tool) {
			return nil, failure(ReasonToolNotAllowed, "step %d: tool %q is not allowed", step.Number, step.Tool)
		}
		for _, dep := range step.DependsOn {
			if dep == step.Number {
				return nil, failure(ReasonCycle, "step %d depends on itself", step.Number)
			}
			if _, ok := byNumber[dep]; !ok {
				return nil, failure(ReasonMalformed, "step %d depends on missing step %d", step.Number, dep)
			}
		}
	}

	if order := topoOrder(steps); len(order) != len(steps) {
		return nil, failure(ReasonCycle, "step dependencies form a cycle")
	}

	ordered := append([]models.PlanStep(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })
	return ordered, nil
}

// topoOrder runs Kahn's algorithm over the dependency graph and returns the
// step numbers it could order. Fewer numbers than steps means a cycle.
func topoOrder(steps []models.PlanStep) []int {
	indegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int, len(steps))
	for _, step := range steps {
		if _, ok := indegree[step.Number]; !ok {
			indegree[step.Number] = 0
		}
		for _, dep := range step.DependsOn {
			indegree[step.Number]++
			dependents[dep] = append(dependents[dep], step.Number)
		}
	}

	var queue []int
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	sort.Ints(queue)

	order := make([]int, 0, len(steps))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, next := range dependents[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}
