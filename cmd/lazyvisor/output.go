package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/loykin/lazyvisor/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatus(w io.Writer, st client.ServerStatus, asJSON bool) error {
	if asJSON {
		return printJSON(w, st)
	}
	pairs := [][2]string{
		{"Name", st.Name},
		{"Status", st.Status},
		{"PID", pidCell(st)},
		{"Command", st.Command},
		{"Accesses", strconv.FormatInt(st.AccessCount, 10)},
		{"Started", timeCell(st.StartedAt)},
		{"Last access", timeCell(st.LastAccessAt)},
		{"Uptime", durCell(st, st.Uptime)},
		{"Idle", durCell(st, st.Idle)},
		{"Idle timeout", st.IdleTimeout.String()},
		{"Evicts in", durCell(st, st.EvictsIn)},
	}
	if st.Unkillable {
		pairs = append(pairs, [2]string{"Unkillable", "yes"})
	}
	if st.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", st.LastError})
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, p := range pairs {
		table.Append([]string{p[0], p[1]})
	}
	table.Render()
	return nil
}

func printTable(w io.Writer, list []client.ServerStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Status", "PID", "Accesses", "Uptime", "Idle", "Evicts In"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, st := range list {
		status := st.Status
		if st.Unkillable {
			status += " (unkillable)"
		}
		table.Append([]string{
			st.Name,
			status,
			pidCell(st),
			strconv.FormatInt(st.AccessCount, 10),
			durCell(st, st.Uptime),
			durCell(st, st.Idle),
			durCell(st, st.EvictsIn),
		})
	}
	table.Render()
}

func pidCell(st client.ServerStatus) string {
	if st.PID == 0 {
		return "-"
	}
	if !st.Alive {
		return strconv.Itoa(st.PID) + " (dead)"
	}
	return strconv.Itoa(st.PID)
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func durCell(st client.ServerStatus, d time.Duration) string {
	if st.Status != "running" {
		return "-"
	}
	return d.Round(time.Second).String()
}
