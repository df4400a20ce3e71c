package backlog

import "encoding/json"

// Status is a workflow status of an issue.
type Status struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// User is a tracker account, used for assignees.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NamedEntity covers the tracker's id+name pairs (issue types, categories,
// priorities).
type NamedEntity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CustomField is a project-defined field on an issue. Value is either a
// scalar or a {id, name} object depending on the field type.
type CustomField struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Issue is the subset of the tracker issue shape the bots consume.
type Issue struct {
	ID           int64         `json:"id"`
	ProjectID    int64         `json:"projectId"`
	IssueKey     string        `json:"issueKey"`
	Summary      string        `json:"summary"`
	Status       Status        `json:"status"`
	Assignee     *User         `json:"assignee"`
	IssueType    *NamedEntity  `json:"issueType"`
	Category     []NamedEntity `json:"category"`
	CustomFields []CustomField `json:"customFields"`
}

// Project is the tracker project metadata the bots need.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CustomFieldValue extracts the string value of a named custom field.
// Object-valued fields (single-selection lists) resolve to their name.
// Missing fields and null values yield "".
func CustomFieldValue(fields []CustomField, name string) string {
	for _, f := range fields {
		if f.Name != name {
			continue
		}
		if len(f.Value) == 0 || string(f.Value) == "null" {
			return ""
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(f.Value, &obj); err == nil && obj.Name != "" {
			return obj.Name
		}
		var s string
		if err := json.Unmarshal(f.Value, &s); err == nil {
			return s
		}
		var n float64
		if err := json.Unmarshal(f.Value, &n); err == nil {
			return string(f.Value)
		}
		return ""
	}
	return ""
}
