package drafts

import (
	"time"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindDate
)

// TitleField is the field whose value doubles as the draft title.
const TitleField = "clientName"

const dateLayout = "2006-01-02"

var fieldCatalog = map[string]fieldKind{
	"clientName":           kindText,
	"meetingDate":          kindDate,
	"aboutBrand":           kindText,
	"targetAudiences":      kindText,
	"goals":                kindText,
	"insight":              kindText,
	"strategy":             kindText,
	"mediaStrategy":        kindText,
	"creative":             kindText,
	"creativePresentation": kindText,
	"influencersExample":   kindText,
	"additionalNotes":      kindText,
	"budgetDistribution":   kindText,
	"creativeDeadline":     kindDate,
	"internalDeadline":     kindDate,
	"clientDeadline":       kindDate,
}

// requiredFields must be non-empty before a draft can be completed.
var requiredFields = []string{
	"clientName",
	"meetingDate",
	"aboutBrand",
	"targetAudiences",
	"goals",
	"insight",
	"strategy",
	"creative",
	"creativeDeadline",
	"internalDeadline",
	"clientDeadline",
}

// requiredRoles need exactly one holder before completion.
var requiredRoles = []string{
	store.RoleCreativeWriter,
	store.RolePresenter,
	store.RolePresentationMaker,
	store.RoleAccountManager,
}

var validRoles = map[string]struct{}{
	store.RoleParticipant:       {},
	store.RoleCreativeWriter:    {},
	store.RolePresenter:         {},
	store.RolePresentationMaker: {},
	store.RoleAccountManager:    {},
	store.RoleMediaPerson:       {},
}

func IsKnownField(name string) bool {
	_, ok := fieldCatalog[name]
	return ok
}

func IsValidRole(role string) bool {
	_, ok := validRoles[role]
	return ok
}

// ValidatePatch checks names and value kinds. A nil value clears the field
// and is always accepted for known names.
func ValidatePatch(patch store.Body) error {
	if len(patch) == 0 {
		return invalid("patch must contain at least one field")
	}
	problems := map[string]string{}
	for name, value := range patch {
		kind, ok := fieldCatalog[name]
		if !ok {
			problems[name] = "unknown field"
			continue
		}
		if value == nil {
			continue
		}
		text, ok := value.(string)
		if !ok {
			problems[name] = "must be a string"
			continue
		}
		if kind == kindDate && text != "" {
			if _, err := time.Parse(dateLayout, text); err != nil {
				problems[name] = "must be a date in YYYY-MM-DD form"
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Message: "invalid patch", Fields: problems}
	}
	return nil
}

// Merge applies patch onto dst field by field. The patch value always wins,
// including over unsaved local edits; a nil value is kept as an explicit
// clear. dst is modified in place and returned.
func Merge(dst, patch store.Body) store.Body {
	if dst == nil {
		dst = store.Body{}
	}
	for name, value := range patch {
		dst[name] = value
	}
	return dst
}

// Clone returns a shallow copy of body.
func Clone(body store.Body) store.Body {
	out := make(store.Body, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

// Text returns the string value of name, or "" when absent or cleared.
func Text(body store.Body, name string) string {
	value, _ := body[name].(string)
	return value
}

// titleFromPatch returns the new title when patch sets a non-empty display
// name.
func titleFromPatch(patch store.Body) *string {
	value, ok := patch[TitleField].(string)
	if !ok || value == "" {
		return nil
	}
	return &value
}
