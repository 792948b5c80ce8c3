package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/callsense/internal/config"
	"github.com/sjawhar/callsense/internal/llm"
)

const omission = "[...]"

// Router picks the summarization preset that best fits a call by showing a
// model the opening, middle and closing turns of the transcript.
type Router struct {
	cfg     config.Summarization
	factory ClientFactory
}

func NewRouter(cfg config.Summarization, factory ClientFactory) *Router {
	return &Router{cfg: cfg, factory: factory}
}

// SampleLines keeps whole transcript lines so speaker attribution survives:
// the first firstN lines, midN lines around the middle and the last lastN.
func SampleLines(transcript string, firstN, midN, lastN int) string {
	lines := strings.Split(strings.TrimSpace(transcript), "\n")
	total := len(lines)
	if total <= firstN+midN+lastN {
		return strings.TrimSpace(transcript)
	}

	midStart := (total - midN) / 2
	parts := []string{
		strings.Join(lines[:firstN], "\n"),
		strings.Join(lines[midStart:midStart+midN], "\n"),
		strings.Join(lines[total-lastN:], "\n"),
	}
	return strings.Join(parts, "\n"+omission+"\n")
}

func (r *Router) presetNames() []string {
	names := make([]string, 0, len(r.cfg.Presets))
	for name := range r.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) SelectPreset(ctx context.Context, transcript string) (string, error) {
	var presetList strings.Builder
	for _, name := range r.presetNames() {
		fmt.Fprintf(&presetList, "- %s: %s\n", name, r.cfg.Presets[name].Description)
	}

	prompt := fmt.Sprintf(`Given this call excerpt between a Host and a Client, choose the single best summarization preset.

Call excerpt:
%s

Available presets:
%s
Reply with ONLY the preset name, nothing else.`, SampleLines(transcript, 40, 20, 20), presetList.String())

	provider, model, err := llm.ParseModel(r.cfg.Model)
	if err != nil {
		return r.fallback("parse model failed", err), nil
	}

	client, err := r.factory(provider, model)
	if err != nil {
		return r.fallback("create client failed", err), nil
	}

	reply, err := client.Complete(ctx, llm.Prompt("", prompt))
	if err != nil {
		return r.fallback("llm complete failed", err), nil
	}

	chosen := strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".\"'`*"))
	if _, ok := r.cfg.Presets[chosen]; ok {
		return chosen, nil
	}

	log.Warn().Str("chosen", reply).Msg("router: model picked an unknown preset")
	return r.fallback("unknown preset", nil), nil
}

// fallback returns "default" when configured, else the first preset by name.
func (r *Router) fallback(reason string, err error) string {
	name := "default"
	if _, ok := r.cfg.Presets[name]; !ok {
		name = r.presetNames()[0]
	}
	log.Warn().Err(err).Str("reason", reason).Str("preset", name).Msg("router: falling back")
	return name
}
