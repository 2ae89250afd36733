// Package reporthtml turns field job records into the printable report document.
package reporthtml

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"sort"
	"time"

	"farmestly-reports/internal/models"
)

//go:embed report.html.tmpl
var reportTemplate string

var tmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"duration": FormatDuration,
}).Parse(reportTemplate))

const unassigned = "Unassigned"

// Data is everything the report needs. From and To are nil for an open range.
type Data struct {
	FarmName    string
	ReportType  models.ReportType
	From        *time.Time
	To          *time.Time
	GeneratedAt time.Time
	Location    *time.Location
	Records     []models.FieldJob
	Lookups     models.Lookups
}

// Row is one rendered field job.
type Row struct {
	Date       string
	Title      string
	Type       string
	Field      string
	Machine    string
	Attachment string
	Tool       string
	DurationMs int64
	Notes      string
}

// Group is a titled block of rows with its subtotal.
type Group struct {
	Name       string
	Detail     string
	Rows       []Row
	DurationMs int64
}

type view struct {
	Title       string
	FarmName    string
	Period      string
	GeneratedAt string
	GroupLabel  string
	Groups      []Group
	Count       int
	DurationMs  int64
}

// Render produces the report HTML. It has no side effects.
func Render(d Data) (string, error) {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	lk := d.Lookups
	if lk.Fields == nil {
		lk = models.NewLookups()
	}

	groups := Groups(d.ReportType, d.Records, lk, loc)
	v := view{
		Title:       Title(d.ReportType),
		FarmName:    d.FarmName,
		Period:      Period(d.From, d.To, loc),
		GeneratedAt: d.GeneratedAt.In(loc).Format("2 Jan 2006 15:04"),
		GroupLabel:  groupLabel(d.ReportType),
		Groups:      groups,
		Count:       len(d.Records),
	}
	for _, g := range groups {
		v.DurationMs += g.DurationMs
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render report template: %w", err)
	}
	return buf.String(), nil
}

// Groups buckets records by the report's dimension. Chronological reports are a
// single group. Named groups are sorted by name with the unassigned bucket last.
func Groups(rt models.ReportType, records []models.FieldJob, lk models.Lookups, loc *time.Location) []Group {
	sorted := append([]models.FieldJob(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	if rt == models.ReportChronological || rt == "" {
		if len(sorted) == 0 {
			return nil
		}
		g := Group{Name: "All jobs"}
		for _, r := range sorted {
			g.Rows = append(g.Rows, toRow(r, lk, loc))
			g.DurationMs += r.DurationMs
		}
		return []Group{g}
	}

	byKey := map[string]*Group{}
	var order []string
	for _, r := range sorted {
		name, detail := groupKey(rt, r, lk)
		g, ok := byKey[name]
		if !ok {
			g = &Group{Name: name, Detail: detail}
			byKey[name] = g
			order = append(order, name)
		}
		g.Rows = append(g.Rows, toRow(r, lk, loc))
		g.DurationMs += r.DurationMs
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i] == unassigned || order[j] == unassigned {
			return order[j] == unassigned && order[i] != unassigned
		}
		return order[i] < order[j]
	})
	out := make([]Group, 0, len(order))
	for _, name := range order {
		out = append(out, *byKey[name])
	}
	return out
}

func groupKey(rt models.ReportType, r models.FieldJob, lk models.Lookups) (string, string) {
	switch rt {
	case models.ReportByField:
		if f, ok := lk.Fields[r.FieldID]; ok {
			return f.Name, fmt.Sprintf("%.2f ha", f.AreaHa)
		}
	case models.ReportByMachine:
		if e, ok := lk.Machines[r.MachineID]; ok {
			return e.Name, e.Make
		}
	case models.ReportByAttachment:
		if e, ok := lk.Attachments[r.AttachmentID]; ok {
			return e.Name, e.Make
		}
	case models.ReportByTool:
		if e, ok := lk.Tools[r.ToolID]; ok {
			return e.Name, e.Make
		}
	case models.ReportByJobType:
		if r.Type != "" {
			return r.Type, ""
		}
	}
	return unassigned, ""
}

func toRow(r models.FieldJob, lk models.Lookups, loc *time.Location) Row {
	return Row{
		Date:       r.StartedAt.In(loc).Format("02 Jan 2006 15:04"),
		Title:      r.Title,
		Type:       r.Type,
		Field:      lk.Fields[r.FieldID].Name,
		Machine:    lk.Machines[r.MachineID].Name,
		Attachment: lk.Attachments[r.AttachmentID].Name,
		Tool:       lk.Tools[r.ToolID].Name,
		DurationMs: r.DurationMs,
		Notes:      r.Notes,
	}
}

// FormatDuration renders milliseconds as "1h 05m" or "12m".
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	minutes := ms / int64(time.Minute/time.Millisecond)
	h, m := minutes/60, minutes%60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

// Period describes the covered range for headings and emails.
func Period(from, to *time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	const layout = "2 Jan 2006"
	switch {
	case from == nil && to == nil:
		return "All time"
	case from == nil:
		return "Until " + to.In(loc).Format(layout)
	case to == nil:
		return "Since " + from.In(loc).Format(layout)
	}
	return from.In(loc).Format(layout) + " to " + to.In(loc).Format(layout)
}

// Title is the human heading for a report type.
func Title(rt models.ReportType) string {
	switch rt {
	case models.ReportByField:
		return "Jobs by field"
	case models.ReportByMachine:
		return "Jobs by machine"
	case models.ReportByJobType:
		return "Jobs by type"
	case models.ReportByAttachment:
		return "Jobs by attachment"
	case models.ReportByTool:
		return "Jobs by tool"
	}
	return "Job history"
}

func groupLabel(rt models.ReportType) string {
	switch rt {
	case models.ReportByField:
		return "Field"
	case models.ReportByMachine:
		return "Machine"
	case models.ReportByJobType:
		return "Job type"
	case models.ReportByAttachment:
		return "Attachment"
	case models.ReportByTool:
		return "Tool"
	}
	return ""
}
