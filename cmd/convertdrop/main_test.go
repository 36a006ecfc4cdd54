package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

func TestRootCommandRegistersRoles(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"api", "worker", "results", "deadletter", "serve", "submissions", "dev"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"submissions", "list"})
	require.NoError(t, err)
	assert.NotNil(t, cmd.Flags().Lookup("status"))
}

func TestSubmissionRows(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := submissionRows([]model.Submission{
		{CorrelationID: "c-1", OriginalFileName: "a.txt", ProcessorType: "TextToPdf", Status: model.StatusProcessed, FileSize: 12, CreatedAt: created},
		{CorrelationID: "c-2", OriginalFileName: "b.docx", ProcessorType: "DocxToPdf", Status: model.StatusFailed, DeadLettered: true, CreatedAt: created},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"c-1", "a.txt", "TextToPdf", "Processed", "12", "2024-05-01T12:00:00Z"}, rows[0])
	assert.Equal(t, "Failed (dead-lettered)", rows[1][3])

	out := renderTable([]string{"Correlation ID", "File"}, [][]string{{"c-1", "a.txt"}}, 2)
	assert.True(t, strings.Contains(out, "CORRELATION ID") || strings.Contains(out, "Correlation ID"), out)
	assert.Contains(t, out, "a.txt")
}
