package models

import "time"

// Account is the reporting tenant. Only fields the report pipeline reads are modelled.
type Account struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	FarmName      string `json:"farmName"`
}

// FieldJob is a farm activity record, the subject of reports.
// DurationMs is always milliseconds.
type FieldJob struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"accountId"`
	Type         string     `json:"type"`
	Title        string     `json:"title"`
	FieldID      string     `json:"fieldId,omitempty"`
	MachineID    string     `json:"machineId,omitempty"`
	AttachmentID string     `json:"attachmentId,omitempty"`
	ToolID       string     `json:"toolId,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	DurationMs   int64      `json:"durationMs"`
	Notes        string     `json:"notes,omitempty"`
}

// Field is a farm plot.
type Field struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	AreaHa float64 `json:"areaHa"`
}

// EquipmentKind distinguishes machines, attachments and tools sharing one table.
type EquipmentKind string

const (
	KindMachine    EquipmentKind = "machine"
	KindAttachment EquipmentKind = "attachment"
	KindTool       EquipmentKind = "tool"
)

// Equipment is a machine, attachment or tool.
type Equipment struct {
	ID   string        `json:"id"`
	Kind EquipmentKind `json:"kind"`
	Name string        `json:"name"`
	Make string        `json:"make,omitempty"`
}

// Lookups are the denormalised name maps used when rendering a report.
type Lookups struct {
	Fields      map[string]Field
	Machines    map[string]Equipment
	Attachments map[string]Equipment
	Tools       map[string]Equipment
}

// NewLookups returns empty, non-nil maps.
func NewLookups() Lookups {
	return Lookups{
		Fields:      map[string]Field{},
		Machines:    map[string]Equipment{},
		Attachments: map[string]Equipment{},
		Tools:       map[string]Equipment{},
	}
}

// RecordFilter scopes a field job query. Nil bounds are open.
type RecordFilter struct {
	AccountID string
	From      *time.Time
	To        *time.Time
}
