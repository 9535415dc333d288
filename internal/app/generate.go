package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"spendsense/internal/model"
	"spendsense/internal/pipeline"
)

// Generate runs the pipeline once for the requested users. A dry run
// evaluates without writing to the trace store.
func (a *App) Generate(ctx context.Context, opts GenerateOptions) error {
	if len(opts.UserIDs) == 0 && !opts.All {
		return errors.New("provide at least one user id or --all")
	}

	var writer pipeline.TraceWriter
	if !opts.DryRun {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		writer = store
	}

	runner, source, err := a.newRunner(writer)
	if err != nil {
		return err
	}

	users := opts.UserIDs
	if opts.All {
		users, err = source.Users(ctx)
		if err != nil {
			return err
		}
	}
	if len(users) == 0 {
		fmt.Fprintln(a.Out, "no users found")
		return nil
	}

	traces := make([]model.DecisionTrace, 0, len(users))
	faulted := 0
	for _, userID := range users {
		trace, err := runner.Run(ctx, userID)
		if err != nil {
			faulted++
			if trace.TraceID == "" {
				return err
			}
		}
		traces = append(traces, trace)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(traces); err != nil {
			return err
		}
	} else {
		writeTraceTable(a.Out, traces)
	}

	if faulted > 0 {
		return fmt.Errorf("%d of %d runs faulted", faulted, len(users))
	}
	return nil
}

func writeTraceTable(out io.Writer, traces []model.DecisionTrace) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "User\tTrace\tGenerated (UTC)\tPersona\tConsent\tRecs\tExcluded\tExplainability\tComplete\tFault")
	for _, t := range traces {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%d\t%.2f\t%s\t%s\n",
			t.UserID,
			t.TraceID,
			t.GeneratedAt.UTC().Format(timeLayout),
			orDash(t.Persona.Assigned),
			yesNo(t.ConsentGranted),
			len(t.Recommendations),
			len(t.Guardrails.ExcludedOffers),
			t.Evaluation.Explainability,
			yesNo(t.Evaluation.TraceComplete),
			sanitizeInline(t.Evaluation.Fault),
		)
	}
	writer.Flush()
}
