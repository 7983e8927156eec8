package decompose

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ParseTasks converts a task-plan reply into TaskPlans for objectiveID.
// Dependencies given as keys or titles are mapped to generated IDs; keys
// that match nothing are kept verbatim so Validate reports them.
func ParseTasks(reply, objectiveID string, maxRetries int) ([]*TaskPlan, error) {
	js, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, &models.DecompositionError{Reason: "task response has no JSON", Err: err}
	}
	doc := gjson.Parse(js)
	list := doc.Get("tasks")
	if doc.IsArray() {
		list = doc
	}
	if !list.IsArray() {
		return nil, &models.DecompositionError{Reason: "task response has no tasks array"}
	}

	now := time.Now().UTC()
	seq := 0
	// created_at increases with response order so equal priorities keep it.
	stamp := func() time.Time {
		seq++
		return now.Add(time.Duration(seq) * time.Microsecond)
	}

	taskIDs := make(map[string]string)
	stepIDs := make(map[string]string)
	var (
		plans    []*TaskPlan
		taskDeps [][]string
		stepDeps [][][]string
	)

	for _, t := range list.Array() {
		id := uuid.New().String()
		title := strings.TrimSpace(t.Get("title").String())
		remember(taskIDs, t.Get("key").String(), title, id)

		created := stamp()
		task := &models.Task{
			ID:          id,
			ObjectiveID: objectiveID,
			Title:       title,
			Description: strings.TrimSpace(t.Get("description").String()),
			Status:      models.StatusPending,
			Priority:    int(t.Get("priority").Int()),
			Required:    flag(t.Get("required"), true),
			MaxRetries:  maxRetries,
			CreatedAt:   created,
			UpdatedAt:   created,

			EvaluationCriteria: strings.TrimSpace(t.Get("evaluation_criteria").String()),
		}

		plan := &TaskPlan{Task: task}
		var deps [][]string
		for _, s := range t.Get("steps").Array() {
			sid := uuid.New().String()
			stitle := strings.TrimSpace(s.Get("title").String())
			remember(stepIDs, s.Get("key").String(), stitle, sid)

			stepType := models.StepType(strings.ToUpper(strings.TrimSpace(s.Get("step_type").String())))
			screated := stamp()
			plan.Steps = append(plan.Steps, &models.Step{
				ID:                 sid,
				TaskID:             id,
				ObjectiveID:        objectiveID,
				Title:              stitle,
				Description:        strings.TrimSpace(s.Get("description").String()),
				StepType:           stepType,
				Status:             models.StatusPending,
				Priority:           int(s.Get("priority").Int()),
				NeedExternalLookup: flag(s.Get("need_external_lookup"), stepType == models.StepResearch),
				Query:              strings.TrimSpace(s.Get("query").String()),
				Required:           flag(s.Get("required"), true),
				Timeout:            time.Duration(s.Get("timeout_seconds").Int()) * time.Second,
				MaxRetries:         maxRetries,
				CreatedAt:          screated,
				UpdatedAt:          screated,
			})
			deps = append(deps, llm.StringList(s, "depends_on"))
		}

		plans = append(plans, plan)
		taskDeps = append(taskDeps, llm.StringList(t, "depends_on"))
		stepDeps = append(stepDeps, deps)
	}

	for i, plan := range plans {
		plan.Task.DependsOn = resolve(taskIDs, taskDeps[i])
		for j, step := range plan.Steps {
			step.DependsOn = resolve(stepIDs, stepDeps[i][j])
		}
	}
	return plans, nil
}

// remember maps both key and title to id. Keys win over titles.
func remember(ids map[string]string, key, title, id string) {
	if key = strings.TrimSpace(key); key != "" {
		ids[key] = id
	}
	if _, taken := ids[title]; title != "" && !taken {
		ids[title] = id
	}
}

func resolve(ids map[string]string, refs []string) []string {
	var out []string
	for _, ref := range refs {
		if id, ok := ids[ref]; ok {
			out = append(out, id)
		} else {
			out = append(out, ref)
		}
	}
	return out
}

func flag(v gjson.Result, def bool) bool {
	if !v.Exists() || v.Type == gjson.Null {
		return def
	}
	return v.Bool()
}
