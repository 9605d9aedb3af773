// Package template renders stage prompt templates against the running
// instance's scope.
package template

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
)

// RenderStage renders a stage's prompt template with the instance scope:
// spec variables, environment, prior stage history, and the current
// attempt. failures carries verification messages from earlier iterations
// so iterative stages can feed them back into the prompt.
func RenderStage(instance *models.WorkflowInstance, stage *models.StageSpec, attempt, iteration int, failures []string) (string, error) {
	data := map[string]any{
		"vars":     specVariables(instance),
		"env":      getEnvVars(),
		"failures": failures,
		"history":  historyByStage(instance),
		"workflow": map[string]any{
			"id":   instance.SpecID,
			"name": specName(instance),
		},
		"instance": map[string]any{
			"id":        instance.ID,
			"workspace": instance.Workspace,
			"branch":    instance.Branch,
		},
		"stage": map[string]any{
			"name":        stage.Name,
			"description": stage.Description,
			"attempt":     attempt,
			"iteration":   iteration,
		},
	}

	return Render(stage.PromptTemplate, data)
}

func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("prompt").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"join": strings.Join,
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// NeedsTemplating reports whether a prompt contains template actions at
// all, so plain prompts skip the parse.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

func specVariables(instance *models.WorkflowInstance) map[string]string {
	if instance.Spec == nil {
		return nil
	}

	return instance.Spec.Variables
}

func specName(instance *models.WorkflowInstance) string {
	if instance.Spec == nil {
		return ""
	}

	return instance.Spec.Name
}

// historyByStage indexes the latest record per stage name so prompts can
// reference earlier results as {{ .history.scaffold.success }}.
func historyByStage(instance *models.WorkflowInstance) map[string]models.StageRecord {
	history := make(map[string]models.StageRecord, len(instance.History))

	for _, rec := range instance.History {
		history[rec.StageName] = rec
	}

	return history
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
