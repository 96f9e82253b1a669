package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type AssigneeKind string

const (
	AssigneeUser AssigneeKind = "user"
	AssigneeTeam AssigneeKind = "team"
)

// Assignee is the person or team a route is assigned to. Exactly one kind is set.
type Assignee struct {
	Kind AssigneeKind `json:"type"`
	ID   string       `json:"id"`
}

func UserAssignee(id string) Assignee { return Assignee{Kind: AssigneeUser, ID: id} }
func TeamAssignee(id string) Assignee { return Assignee{Kind: AssigneeTeam, ID: id} }

// ParseAssignee builds an Assignee from a kind string and id.
func ParseAssignee(kind, id string) (Assignee, error) {
	a := Assignee{Kind: AssigneeKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	return a, a.Validate()
}

func (a Assignee) Validate() error {
	switch a.Kind {
	case AssigneeUser, AssigneeTeam:
	default:
		return fmt.Errorf("assignee type must be user or team, got %q", a.Kind)
	}
	if a.ID == "" {
		return fmt.Errorf("%s assignee id is required", a.Kind)
	}
	return nil
}

func (a Assignee) String() string {
	switch a.Kind {
	case AssigneeUser:
		return "user:" + a.ID
	case AssigneeTeam:
		return "team:" + a.ID
	}
	return "unknown:" + a.ID
}

func (a Assignee) IsZero() bool { return a.Kind == "" && a.ID == "" }

func (a *Assignee) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.Kind = AssigneeKind(strings.ToLower(raw.Kind))
	a.ID = raw.ID
	return nil
}
