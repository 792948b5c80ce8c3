package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sjawhar/callsense/internal/llm"
)

// Accomplishments splits a call's task list by whether the transcript shows
// each task being done.
type Accomplishments struct {
	Completed  []string `json:"completed"`
	Incomplete []string `json:"incomplete"`
}

type Analyzer struct {
	model   string
	factory ClientFactory
	sleep   func(time.Duration)
}

func NewAnalyzer(model string, factory ClientFactory) *Analyzer {
	return &Analyzer{model: model, factory: factory, sleep: time.Sleep}
}

const accomplishmentPrompt = `You review call transcripts between a Host and a Client. For each task in the list, decide whether the Host accomplished it during the call. Reply with JSON only, in the form {"completed": ["task"], "incomplete": ["task"]}, copying each task text exactly.`

func (a *Analyzer) AnalyzeAccomplishments(ctx context.Context, transcript string, tasks []string) (Accomplishments, error) {
	if len(tasks) == 0 {
		return Accomplishments{Completed: []string{}, Incomplete: []string{}}, nil
	}
	if strings.TrimSpace(transcript) == "" {
		return Accomplishments{Completed: []string{}, Incomplete: append([]string(nil), tasks...)}, nil
	}

	provider, model, err := llm.ParseModel(a.model)
	if err != nil {
		return Accomplishments{}, err
	}
	client, err := a.factory(provider, model)
	if err != nil {
		return Accomplishments{}, fmt.Errorf("create llm client: %w", err)
	}

	var list strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&list, "- %s\n", task)
	}
	messages := llm.Prompt(accomplishmentPrompt, "Tasks:\n"+list.String()+"\nTranscript:\n"+transcript)

	reply, err := withRetry(a.sleep, func() (string, error) {
		return client.Complete(ctx, messages)
	})
	if err != nil {
		return Accomplishments{}, fmt.Errorf("analyze accomplishments: %w", err)
	}
	return parseAccomplishments(reply, tasks)
}

// parseAccomplishments extracts the JSON object from a model reply. Only
// tasks from the request are kept, and any task the model skipped is
// reported as incomplete.
func parseAccomplishments(reply string, tasks []string) (Accomplishments, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Accomplishments{}, fmt.Errorf("no JSON object in reply %q", reply)
	}

	var raw Accomplishments
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Accomplishments{}, fmt.Errorf("decode accomplishments: %w", err)
	}

	canonical := make(map[string]string, len(tasks))
	for _, task := range tasks {
		canonical[normalizeTask(task)] = task
	}

	done := make(map[string]bool, len(tasks))
	for _, item := range raw.Completed {
		if task, ok := canonical[normalizeTask(item)]; ok {
			done[task] = true
		}
	}

	out := Accomplishments{Completed: []string{}, Incomplete: []string{}}
	for _, task := range tasks {
		if done[task] {
			out.Completed = append(out.Completed, task)
		} else {
			out.Incomplete = append(out.Incomplete, task)
		}
	}
	return out, nil
}

func normalizeTask(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
