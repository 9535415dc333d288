package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/config"
	"spendsense/internal/model"
)

const aliceHistory = `{
  "user_id": "alice",
  "consent_granted": true,
  "as_of": "2025-03-01T00:00:00Z",
  "accounts": [
    {"account_id": "chk-1", "type": "depository", "subtype": "checking", "mask": "0001", "current_balance": "1200", "as_of": "2025-03-01T00:00:00Z"},
    {"account_id": "card-1", "type": "credit", "subtype": "credit card", "mask": "4523", "current_balance": "3400", "credit_limit": "5000", "as_of": "2025-03-01T00:00:00Z"}
  ],
  "transactions": [
    {"transaction_id": "g1", "account_id": "card-1", "date": "2025-02-10T00:00:00Z", "amount": "82.40", "merchant_name": "Grocer"}
  ]
}`

const bobHistory = `{
  "user_id": "bob",
  "consent_granted": false,
  "as_of": "2025-03-01T00:00:00Z",
  "accounts": [
    {"account_id": "chk-9", "type": "depository", "subtype": "checking", "mask": "0009", "current_balance": "800", "as_of": "2025-03-01T00:00:00Z"}
  ],
  "transactions": []
}`

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	ledgerDir := filepath.Join(root, "ledger")
	require.NoError(t, os.MkdirAll(ledgerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "alice.json"), []byte(aliceHistory), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "bob.json"), []byte(bobHistory), 0o600))

	cfg := &config.Config{
		Store:     config.StoreConfig{Backend: "sqlite"},
		SQLite:    config.SQLiteConfig{Path: filepath.Join(root, "traces.db")},
		Ledger:    config.LedgerConfig{Dir: ledgerDir},
		Pipeline:  config.PipelineConfig{Timeout: 5 * time.Second, WriteTimeout: time.Second, Workers: 2},
		Retention: config.RetentionConfig{Mode: "mvp"},
		Export:    config.ExportConfig{MaxTraces: 100},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestGenerateWritesTraces(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	require.NoError(t, a.Generate(ctx, GenerateOptions{All: true}))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "high_utilization")

	out.Reset()
	require.NoError(t, a.History(ctx, HistoryOptions{UserID: "alice", JSON: true}))
	var history []model.DecisionTrace
	require.NoError(t, json.Unmarshal(out.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "high_utilization", history[0].Persona.Assigned)
	assert.True(t, history[0].Evaluation.TraceComplete)

	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{Persona: "high_utilization"}))
	assert.Contains(t, out.String(), history[0].TraceID)
	assert.NotContains(t, out.String(), "bob", "persona 过滤应排除 bob")
}

func TestGenerateDryRunDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	require.NoError(t, a.Generate(ctx, GenerateOptions{UserIDs: []string{"bob"}, DryRun: true, JSON: true}))
	var traces []model.DecisionTrace
	require.NoError(t, json.Unmarshal(out.Bytes(), &traces))
	require.Len(t, traces, 1)
	assert.False(t, traces[0].ConsentGranted)
	assert.Empty(t, traces[0].Recommendations, "未授权用户不应收到推荐")

	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{}))
	assert.Contains(t, out.String(), "no traces found")
}

func TestGenerateReportsFaults(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Generate(context.Background(), GenerateOptions{UserIDs: []string{"alice", "ghost"}})
	assert.ErrorContains(t, err, "1 of 2 runs faulted")

	assert.Error(t, a.Generate(context.Background(), GenerateOptions{}), "缺少用户参数应报错")
}

func TestPurgeAndSweep(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	require.NoError(t, a.Generate(ctx, GenerateOptions{UserIDs: []string{"alice"}}))
	require.NoError(t, a.Generate(ctx, GenerateOptions{UserIDs: []string{"alice"}}))

	out.Reset()
	require.NoError(t, a.Sweep(ctx))
	assert.Contains(t, out.String(), "pruned 1 superseded traces (mvp retention)")

	out.Reset()
	require.NoError(t, a.Purge(ctx, "alice"))
	assert.Contains(t, out.String(), "purged 1 traces for alice")

	assert.Error(t, a.Purge(ctx, ""))
	assert.Error(t, a.History(ctx, HistoryOptions{}))
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	require.NoError(t, a.Generate(ctx, GenerateOptions{All: true}))

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "traces.csv")
	pngPath := filepath.Join(dir, "out", "personas.png")
	require.NoError(t, a.Export(ctx, ExportOptions{CSVPath: csvPath, PNGPath: pngPath}))

	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "user_id", rows[0][0])
	assert.Equal(t, "alice", rows[1][0])
	assert.Equal(t, "bob", rows[2][0])

	png, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "应输出 PNG 文件")

	assert.Error(t, a.Export(ctx, ExportOptions{}), "未指定输出路径应报错")
}

func TestPersonaCounts(t *testing.T) {
	traces := []model.DecisionTrace{
		{Persona: model.PersonaAssignment{Assigned: "general"}},
		{Persona: model.PersonaAssignment{Assigned: "high_utilization"}},
		{Persona: model.PersonaAssignment{Assigned: "high_utilization"}},
		{},
	}
	assert.Equal(t, []personaCount{
		{Persona: "high_utilization", Users: 2},
		{Persona: "general", Users: 1},
		{Persona: "unassigned", Users: 1},
	}, personaCounts(traces))
}

func TestNewNotifier(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Nil(t, a.newNotifier(), "告警未启用时不应构造 notifier")

	a.Config.Alerting = config.AlertingConfig{Enabled: true, Channels: []string{"log"}}
	assert.NotNil(t, a.newNotifier())

	a.Config.Alerting.Channels = []string{"telegram"}
	assert.Nil(t, a.newNotifier(), "telegram 未启用时应忽略")
}

func TestTestNotify(t *testing.T) {
	a, _ := newTestApp(t)
	assert.ErrorContains(t, a.TestNotify(context.Background(), "u"), "alerting 未启用")

	a.Config.Alerting = config.AlertingConfig{Enabled: true, Channels: []string{"telegram"}}
	assert.ErrorContains(t, a.TestNotify(context.Background(), "u"), "未配置任何告警通道")

	a.Config.Alerting.Channels = []string{"log"}
	assert.NoError(t, a.TestNotify(context.Background(), "u"))
}
