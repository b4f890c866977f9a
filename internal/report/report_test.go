package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

func fixture() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		ID:          "01J9Z3Q6Y0ABCDEFGHJKMNPQRS",
		Version:     snapshot.FormatVersion,
		CapturedAt:  time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		FlatEntries: map[string]string{"theme": "dark", "lang": "en"},
		PairEntries: map[string]string{"session": "abc"},
		StructuredStores: []snapshot.StoreExport{
			{
				Name:          "app",
				SchemaVersion: 2,
				Tables: []snapshot.TableExport{
					{
						Name:   "users",
						Layout: snapshot.Layout{Kind: snapshot.LayoutKeyPath, KeyPath: "id", AutoIncrement: true},
						Records: []snapshot.Record{
							snapshot.AutoKeyRecord(json.RawMessage(`{"id":1}`)),
							snapshot.AutoKeyRecord(json.RawMessage(`{"id":2}`)),
						},
					},
					{
						Name:    "blobs",
						Layout:  snapshot.Layout{Kind: snapshot.LayoutExternal},
						Records: []snapshot.Record{snapshot.KeyedRecord(json.RawMessage(`"k"`), json.RawMessage(`"v"`))},
					},
				},
			},
			{Name: "cache", SchemaVersion: 1, Tables: []snapshot.TableExport{}},
		},
	}
}

func fixtureReport() *state.Report {
	r := &state.Report{}
	r.Add(state.Issue{
		Level:   state.LevelWarning,
		Code:    errors.ErrRecordReplayFailed,
		Backend: state.BackendStructured,
		Store:   "app",
		Table:   "users",
		Message: "bad record",
	})
	return r
}

func TestMarkdown_Golden(t *testing.T) {
	md := Markdown(Input{Name: "work", Snapshot: fixture(), Report: fixtureReport()})

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "summary_markdown", []byte(md))
}

func TestMarkdown_NeverListsValues(t *testing.T) {
	md := Markdown(Input{Name: "work", Snapshot: fixture()})

	assert.Contains(t, md, "theme")
	assert.NotContains(t, md, "dark")
	assert.NotContains(t, md, "abc")
	assert.NotContains(t, md, "## Issues")
}

func TestMarkdown_NilSnapshot(t *testing.T) {
	md := Markdown(Input{})

	assert.True(t, strings.HasPrefix(md, "# Identity: current state\n"))
	assert.Contains(t, md, "| Flat KV | 0 |")
}

func TestMarkdown_EscapesNames(t *testing.T) {
	s := snapshot.Empty()
	s.StructuredStores = []snapshot.StoreExport{{
		Name: "a|b",
		Tables: []snapshot.TableExport{{
			Name:   "t|1",
			Layout: snapshot.Layout{Kind: snapshot.LayoutExternal},
		}},
	}}

	md := Markdown(Input{Name: "*bold*", Snapshot: s})

	assert.Contains(t, md, `# Identity: \*bold\*`)
	assert.Contains(t, md, `| t\|1 | external | 0 |`)
}

func TestHTML_RendersTables(t *testing.T) {
	out, err := HTML(Input{Name: "work", Snapshot: fixture(), Report: fixtureReport()})
	require.NoError(t, err)

	html := string(out)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "<title>daydream: work</title>")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<h2>Store: app (schema v2)</h2>")
	assert.Contains(t, html, "<code>id</code>")
}

func TestHTML_EscapesMarkup(t *testing.T) {
	out, err := HTML(Input{Name: "<script>alert(1)</script>", Snapshot: snapshot.Empty()})
	require.NoError(t, err)

	assert.NotContains(t, string(out), "<script>")
}

func TestFragment_NoPageChrome(t *testing.T) {
	out, err := Fragment(Input{Name: "work", Snapshot: fixture()})
	require.NoError(t, err)

	assert.NotContains(t, string(out), "<!DOCTYPE html>")
	assert.True(t, strings.HasPrefix(string(out), "<h1>Identity: work</h1>"))
}

func TestStatsOf(t *testing.T) {
	assert.Equal(t, Stats{}, StatsOf(nil))
	assert.Equal(t, Stats{FlatEntries: 2, PairEntries: 1, Stores: 2, Tables: 2, Records: 3}, StatsOf(fixture()))
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1500, "-1,500"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatCount(tc.in))
	}
}
