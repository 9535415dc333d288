package app

import (
	"cmp"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	chart "github.com/wcharczuk/go-chart/v2"

	"spendsense/internal/model"
)

// Export writes current traces as CSV and/or the persona distribution as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxTraces = a.Config.ResolveMaxTraces(opts.MaxTraces)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	traces, err := store.List(ctx, model.TraceFilter{Persona: opts.Persona, Limit: opts.MaxTraces})
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		a.Logger.Info().Msg("no current traces to export")
		return nil
	}
	a.Logger.Info().Int("exported", len(traces)).Msg("exporting traces")

	if opts.CSVPath != "" {
		if err := writeTracesCSV(opts.CSVPath, traces); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePersonaPNG(opts.PNGPath, personaCounts(traces)); err != nil {
			return err
		}
	}

	return nil
}

func writeTracesCSV(path string, traces []model.DecisionTrace) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"user_id", "trace_id", "generated_at", "ruleset_version", "persona", "consent_granted", "recommendations", "excluded_offers", "tone_failures", "coverage", "explainability", "latency_ms", "trace_complete"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, t := range traces {
		ids := make([]string, 0, len(t.Recommendations))
		for _, rec := range t.Recommendations {
			ids = append(ids, rec.ID)
		}
		record := []string{
			t.UserID,
			t.TraceID,
			t.GeneratedAt.UTC().Format(timeLayout),
			t.RulesetVersion,
			t.Persona.Assigned,
			strconv.FormatBool(t.ConsentGranted),
			strings.Join(ids, ";"),
			strconv.Itoa(len(t.Guardrails.ExcludedOffers)),
			strconv.Itoa(len(t.Guardrails.ToneFailures)),
			strconv.FormatBool(t.Evaluation.Coverage),
			strconv.FormatFloat(t.Evaluation.Explainability, 'f', 2, 64),
			strconv.FormatInt(t.Evaluation.LatencyMS, 10),
			strconv.FormatBool(t.Evaluation.TraceComplete),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type personaCount struct {
	Persona string
	Users   int
}

// personaCounts tallies current traces by persona, largest first. Traces
// without a persona are counted as "unassigned".
func personaCounts(traces []model.DecisionTrace) []personaCount {
	tally := make(map[string]int)
	for _, t := range traces {
		persona := t.Persona.Assigned
		if persona == "" {
			persona = "unassigned"
		}
		tally[persona]++
	}
	out := make([]personaCount, 0, len(tally))
	for persona, n := range tally {
		out = append(out, personaCount{Persona: persona, Users: n})
	}
	slices.SortFunc(out, func(a, b personaCount) int {
		if c := cmp.Compare(b.Users, a.Users); c != 0 {
			return c
		}
		return strings.Compare(a.Persona, b.Persona)
	})
	return out
}

func writePersonaPNG(path string, counts []personaCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(counts))
	peak := 0
	for _, c := range counts {
		bars = append(bars, chart.Value{Label: c.Persona, Value: float64(c.Users)})
		peak = max(peak, c.Users)
	}

	graph := chart.BarChart{
		Title:    "Users by persona",
		Width:    1280,
		Height:   720,
		BarWidth: 80,
		Background: chart.Style{
			Padding: chart.Box{Top: 60},
		},
		YAxis: chart.YAxis{
			Name:  "Users",
			Range: &chart.ContinuousRange{Min: 0, Max: float64(peak) + 1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render persona chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
