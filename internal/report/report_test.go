package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type sampleTable []sample

func (s sampleTable) TableHeader() []string { return []string{"NAME", "COUNT"} }

func (s sampleTable) TableRows() [][]string {
	rows := make([][]string, 0, len(s))
	for _, item := range s {
		rows = append(rows, []string{item.Name, strings.Repeat("*", item.Count)})
	}
	return rows
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sample{Name: "stress", Count: 2}))
	require.Equal(t, "{\n  \"name\": \"stress\",\n  \"count\": 2\n}\n", buf.String())
}

func TestWriteYAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatYAML, sample{Name: "stress", Count: 2}))
	require.Equal(t, "count: 2\nname: stress\n", buf.String())
}

func TestWriteTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, sampleTable{{Name: "stress", Count: 3}, {Name: "idle", Count: 1}}))

	out := buf.String()
	require.Contains(t, out, "NAME")
	require.Contains(t, out, "stress")
	require.Contains(t, out, "***")
	require.Less(t, strings.Index(out, "stress"), strings.Index(out, "idle"))
}

func TestWriteTableRequiresTabular(t *testing.T) {
	t.Parallel()

	err := Write(&bytes.Buffer{}, FormatTable, sample{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot be rendered as a table")
}

func TestWriteRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	require.Error(t, Write(&bytes.Buffer{}, Format("xml"), sample{}))
	require.Error(t, Write(nil, FormatJSON, sample{}))
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]Format{"json": FormatJSON, " YAML ": FormatYAML, "table": FormatTable} {
		got, err := ParseFormat(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got)
	}

	_, err := ParseFormat("xml")
	require.ErrorContains(t, err, "json, yaml, table")
}
