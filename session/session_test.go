package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)

func at(day, hour int) Timestamp {
	return FromTime(time.Date(2024, 5, day, hour, 0, 0, 0, time.UTC))
}

func newActivityLogger(t *testing.T) *ActivityLogger {
	t.Helper()
	a, err := NewActivityLogger(t.TempDir(), WithNow(func() time.Time { return testNow }))
	require.NoError(t, err)
	return a
}

func TestActivityQueryNewestFirst(t *testing.T) {
	a := newActivityLogger(t)
	// 写入顺序与时间顺序不一致，且跨两个日期分区
	a.Append(ActivityRecord{Timestamp: at(3, 9), Username: "alice", ActionType: ActionAnalysis, ActionName: "stock_analysis", Success: true})
	a.Append(ActivityRecord{Timestamp: at(2, 8), Username: "bob", ActionType: ActionAuth, ActionName: "user_login", Success: true})
	a.Append(ActivityRecord{Timestamp: at(2, 10), Username: "alice", ActionType: ActionNavigation, ActionName: "page_visit", Success: true})

	assert.FileExists(t, filepath.Join(a.Dir(), "user_activities_2024-05-02.jsonl"))
	assert.FileExists(t, filepath.Join(a.Dir(), "user_activities_2024-05-03.jsonl"))

	got := a.Query(QueryOptions{})
	require.Len(t, got, 3)
	assert.Equal(t, at(3, 9), got[0].Timestamp)
	assert.Equal(t, at(2, 10), got[1].Timestamp)
	assert.Equal(t, at(2, 8), got[2].Timestamp)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, float64(got[i-1].Timestamp), float64(got[i].Timestamp), "结果必须按时间倒序")
	}
	assert.Equal(t, "2024-05-03T09:00:00Z", got[0].Datetime)
}

func TestActivityQueryFilters(t *testing.T) {
	a := newActivityLogger(t)
	a.Append(ActivityRecord{Timestamp: at(1, 9), Username: "alice", ActionType: ActionAnalysis, Success: true})
	a.Append(ActivityRecord{Timestamp: at(2, 9), Username: "bob", ActionType: ActionAnalysis, Success: true})
	a.Append(ActivityRecord{Timestamp: at(3, 9), Username: "alice", ActionType: ActionAuth, Success: true})

	assert.Len(t, a.Query(QueryOptions{Username: "alice"}), 2)
	assert.Len(t, a.Query(QueryOptions{ActionType: ActionAnalysis}), 2)
	assert.Len(t, a.Query(QueryOptions{Username: "alice", ActionType: ActionAuth}), 1)

	limited := a.Query(QueryOptions{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "alice", limited[0].Username)

	window := a.Query(QueryOptions{
		Start: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 2, 23, 59, 59, 0, time.UTC),
	})
	require.Len(t, window, 1)
	assert.Equal(t, "bob", window[0].Username)
}

func TestActivityDefaultsAndAnonymous(t *testing.T) {
	a := newActivityLogger(t)
	a.LogAnalysisRequest("", "sess-1", "AAPL", "bars", 1500*time.Millisecond, nil)

	got := a.Query(QueryOptions{})
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, "anonymous", r.Username)
	assert.Equal(t, "guest", r.UserRole)
	assert.Equal(t, FromTime(testNow), r.Timestamp)
	assert.Equal(t, "stock_analysis", r.ActionName)
	assert.Equal(t, "AAPL", r.Details["stock_code"])
	require.NotNil(t, r.DurationMs)
	assert.Equal(t, int64(1500), *r.DurationMs)
	assert.True(t, r.Success)
}

func TestActivityTolerantTimestamps(t *testing.T) {
	a := newActivityLogger(t)
	lines := []string{
		`{"timestamp":"2024-05-02T10:00:00Z","username":"iso","action_type":"auth"}`,
		`{"timestamp":"1714647600","username":"numstr","action_type":"auth"}`,
		`{"timestamp":1714651200.5,"username":"num","action_type":"auth","success":false}`,
		`not json`,
		`{"timestamp":"yesterday","username":"bad","action_type":"auth"}`,
	}
	path := filepath.Join(a.Dir(), "user_activities_2024-05-02.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	got := a.Query(QueryOptions{})
	require.Len(t, got, 3, "无法解析的时间戳为 0，不在查询窗口内")
	assert.Equal(t, "num", got[0].Username)
	assert.False(t, got[0].Success)
	assert.Equal(t, "numstr", got[1].Username)
	assert.Equal(t, "iso", got[2].Username)
	assert.True(t, got[2].Success, "缺省 success 视为成功")
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, 1714644000.0, ParseTimestamp("2024-05-02T10:00:00Z"))
	assert.Equal(t, 1714644000.0, ParseTimestamp("2024-05-02T18:00:00+08:00"))
	assert.Equal(t, 1714644000.0, ParseTimestamp("2024-05-02T10:00:00"))
	assert.Equal(t, 1714644000.25, ParseTimestamp("1714644000.25"))
	assert.Equal(t, 0.0, ParseTimestamp("not a time"))
	assert.Equal(t, 0.0, ParseTimestamp(""))

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`{"a":1}`), &ts))
	assert.Equal(t, Timestamp(0), ts)
}

func TestActivityWriteFailureGoesToStderr(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "activities")
	var stderr bytes.Buffer
	a, err := NewActivityLogger(dir, WithNow(func() time.Time { return testNow }), WithStderr(&stderr))
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0644))

	assert.NotPanics(t, func() {
		a.Append(ActivityRecord{Username: "alice", ActionType: ActionSystem})
	})
	assert.Contains(t, stderr.String(), "写入活动记录失败")
}

func TestActivityStatistics(t *testing.T) {
	a := newActivityLogger(t)
	ms := func(v int64) *int64 { return &v }
	a.Append(ActivityRecord{Timestamp: at(1, 9), Username: "alice", ActionType: ActionAnalysis, Success: true, DurationMs: ms(100)})
	a.Append(ActivityRecord{Timestamp: at(2, 9), Username: "bob", ActionType: ActionAuth, Success: false})
	a.Append(ActivityRecord{Timestamp: at(2, 11), Username: "alice", ActionType: ActionAnalysis, Success: true, DurationMs: ms(300)})

	stats := a.Statistics(7)
	assert.Equal(t, 3, stats.TotalActivities)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 2, stats.ActivityTypes[ActionAnalysis])
	assert.Equal(t, 1, stats.ActivityTypes[ActionAuth])
	assert.Equal(t, 2, stats.UserActivities["alice"])
	assert.Equal(t, 2, stats.DailyActivities["2024-05-02"])
	assert.InDelta(t, 66.67, stats.SuccessRate, 0.01)
	assert.InDelta(t, 200.0, stats.AverageDuration, 0.001)
}

func TestActivityCleanup(t *testing.T) {
	a := newActivityLogger(t)
	for _, name := range []string{
		"user_activities_2023-12-01.jsonl",
		"user_activities_2024-04-30.jsonl",
		"user_activities_notadate.jsonl",
		"other.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), name), []byte("{}\n"), 0644))
	}

	assert.Equal(t, 1, a.Cleanup(90))
	assert.NoFileExists(t, filepath.Join(a.Dir(), "user_activities_2023-12-01.jsonl"))
	assert.FileExists(t, filepath.Join(a.Dir(), "user_activities_2024-04-30.jsonl"))
	assert.FileExists(t, filepath.Join(a.Dir(), "user_activities_notadate.jsonl"))
	assert.FileExists(t, filepath.Join(a.Dir(), "other.txt"))
}

func TestOperationLegacyArrayMigrated(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOperationLogger(dir, WithNow(func() time.Time { return testNow }))
	require.NoError(t, err)

	legacy := `[
  {"timestamp": 1714644000, "username": "admin", "action_type": "config", "action": "update", "success": true},
  {"timestamp": "2024-05-02T11:00:00Z", "username": "admin", "action_type": "config", "action": "save"}
]`
	path := filepath.Join(dir, "operations_2024-05-02.json")
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	got := o.Query(QueryOptions{})
	require.Len(t, got, 2)
	assert.Equal(t, "save", got[0].Action)
	assert.True(t, got[0].Success)
	assert.Equal(t, "update", got[1].Action)

	o.Append(OperationRecord{Timestamp: at(2, 12), Username: "admin", ActionType: "config", Action: "reset", Success: true})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('{'), bytes.TrimSpace(data)[0], "追加后应转换为逐行格式")
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

	got = o.Query(QueryOptions{})
	require.Len(t, got, 3)
	assert.Equal(t, "reset", got[0].Action)
}

func TestStoreQueryMergesBothLogs(t *testing.T) {
	base := t.TempDir()
	s, err := NewStore(filepath.Join(base, "activities"), filepath.Join(base, "operations"),
		WithNow(func() time.Time { return testNow }))
	require.NoError(t, err)

	s.Operations.LogOperation("admin", ActionConfig, "update_ttl", map[string]interface{}{"kind": "bars"}, true)
	s.Activities.Append(ActivityRecord{Timestamp: at(3, 9), Username: "alice", ActionType: ActionAnalysis, ActionName: "stock_analysis", SessionID: "s1", Success: true})
	s.Activities.Append(ActivityRecord{Timestamp: at(2, 9), Username: "bob", ActionType: ActionAuth, ActionName: "user_login", Success: false})

	got := s.Query(QueryOptions{})
	require.Len(t, got, 3)
	assert.Equal(t, "update_ttl", got[0].Action)
	assert.Equal(t, "stock_analysis", got[1].Action)
	assert.Equal(t, "s1", got[1].SessionID)
	assert.Equal(t, "user_login", got[2].Action)
	assert.False(t, got[2].Success)

	assert.Len(t, s.Query(QueryOptions{Username: "alice"}), 1)
	assert.Len(t, s.Query(QueryOptions{Limit: 2}), 2)
}

func TestRetentionJob(t *testing.T) {
	base := t.TempDir()
	s, err := NewStore(filepath.Join(base, "activities"), filepath.Join(base, "operations"),
		WithNow(func() time.Time { return testNow }))
	require.NoError(t, err)

	old := []string{
		filepath.Join(base, "activities", "user_activities_2024-01-01.jsonl"),
		filepath.Join(base, "operations", "operations_2024-01-01.json"),
	}
	for _, p := range old {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0644))
	}
	s.Operations.LogOperation("admin", ActionSystem, "noop", nil, true)

	job := NewRetentionJob(s, 30)
	assert.Equal(t, "session_retention", job.Name())
	require.NoError(t, job.Run(context.Background()))
	for _, p := range old {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, filepath.Join(base, "operations", "operations_2024-05-03.json"))
}
