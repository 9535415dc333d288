package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"spendsense/internal/model"
	"spendsense/internal/service"
	"spendsense/internal/storage"
)

const timeLayout = time.RFC3339

// Show prints the current trace of every user matching the filter.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	traces, err := store.List(ctx, model.TraceFilter{
		UserID:  opts.UserID,
		Persona: opts.Persona,
		Content: opts.Content,
		Limit:   opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Fprintln(a.Out, "no traces found")
		return nil
	}

	writeTraceTable(a.Out, traces)
	return nil
}

// History prints a user's stored traces, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	if opts.UserID == "" {
		return errors.New("user id is required")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	traces, err := store.History(ctx, opts.UserID, opts.Limit)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(traces)
	}
	if len(traces) == 0 {
		fmt.Fprintln(a.Out, "no traces found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Trace\tGenerated (UTC)\tRuleset\tPersona\tRecommendations\tComplete\tLatency")
	for _, t := range traces {
		ids := make([]string, 0, len(t.Recommendations))
		for _, rec := range t.Recommendations {
			ids = append(ids, rec.ID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%dms\n",
			t.TraceID,
			t.GeneratedAt.UTC().Format(timeLayout),
			orDash(t.RulesetVersion),
			orDash(t.Persona.Assigned),
			orDash(strings.Join(ids, ",")),
			yesNo(t.Evaluation.TraceComplete),
			t.Evaluation.LatencyMS,
		)
	}
	writer.Flush()
	return nil
}

// Purge deletes every stored trace of a user.
func (a *App) Purge(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	removed, err := store.Purge(ctx, userID)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("user_id", userID).Int64("removed", removed).Msg("traces purged")
	fmt.Fprintf(a.Out, "purged %d traces for %s\n", removed, userID)
	return nil
}

// Sweep applies the retention policy once.
func (a *App) Sweep(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	policy := service.RetentionPolicy(a.Config.Retention)
	removed, err := storage.Sweep(ctx, store, policy, time.Now().UTC())
	if err != nil {
		return err
	}
	a.Logger.Info().Str("mode", string(policy.Mode)).Int64("removed", removed).Msg("retention sweep finished")
	fmt.Fprintf(a.Out, "pruned %d superseded traces (%s retention)\n", removed, policy.Mode)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
