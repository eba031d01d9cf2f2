package model

// SchemaColumn describes one column of a SchemaTable.
type SchemaColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaTable describes one table or collection visible to a schema
// snapshot, named by its fully-qualified resource_id.
type SchemaTable struct {
	ResourceID string         `json:"resource_id"`
	Columns    []SchemaColumn `json:"columns"`
}

// SchemaSnapshot is the portion of an agent's accessible schema handed to
// the NL->SQL Converter. It must contain only resources the agent holds at
// least read on, so generated SQL never reveals schema the agent cannot
// query.
type SchemaSnapshot struct {
	DriverKind DriverKind    `json:"driver_kind"`
	Tables     []SchemaTable `json:"tables"`
}

// TableNames returns the resource_id of every table in the snapshot, used
// to score lexical overlap when suggesting a rephrasing after a failed
// generation.
func (s SchemaSnapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.ResourceID
	}
	return names
}
