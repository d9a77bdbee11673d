package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/scrubber/internal/types"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// segmentRows renders ranges as table rows, numbered from 1.
func segmentRows(kind string, ranges []types.TimeRange) [][]string {
	rows := make([][]string, 0, len(ranges))
	for i, r := range ranges {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			kind,
			fmtTime(r.Start),
			fmtTime(r.End),
			fmt.Sprintf("%.2fs", r.Duration()),
		})
	}
	return rows
}

var segmentHeaders = []string{"#", "KIND", "START", "END", "DURATION"}
var segmentAligns = []columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight}

// fmtTime renders seconds as HH:MM:SS.mmm. Negative values, which padding
// can produce, are clamped to zero.
func fmtTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	duration := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	ms := int(duration.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
