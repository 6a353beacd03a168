package receipt

import "strings"

// Person identifies one of the two participants. The empty Person means
// "no payer specified".
type Person string

const (
	PersonNone Person = ""
	PersonA    Person = "a"
	PersonB    Person = "b"
)

// Assignee is the bucket a line item is assigned to.
type Assignee string

const (
	AssigneeA      Assignee = "a"
	AssigneeB      Assignee = "b"
	AssigneeShared Assignee = "shared"
)

// ParsePayer parses a payer value. Empty input yields PersonNone.
// The second result is false for anything other than a, b or empty.
func ParsePayer(raw string) (Person, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return PersonNone, true
	case "a":
		return PersonA, true
	case "b":
		return PersonB, true
	}
	return PersonNone, false
}

// ParseAssignee parses an assignee value ("both" is accepted as shared).
func ParseAssignee(raw string) (Assignee, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a":
		return AssigneeA, true
	case "b":
		return AssigneeB, true
	case "shared", "both":
		return AssigneeShared, true
	}
	return "", false
}

// Names holds the display names of the two participants.
type Names struct {
	A string
	B string
}

// DefaultNames labels the participants "A" and "B".
func DefaultNames() Names {
	return Names{A: "A", B: "B"}
}

// Of returns the display name of p, or "" for PersonNone.
func (n Names) Of(p Person) string {
	switch p {
	case PersonA:
		return n.A
	case PersonB:
		return n.B
	}
	return ""
}

// Label returns the display name for an assignee bucket.
func (n Names) Label(a Assignee) string {
	switch a {
	case AssigneeA:
		return n.A
	case AssigneeB:
		return n.B
	case AssigneeShared:
		return "Shared"
	}
	return string(a)
}
