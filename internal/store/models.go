package store

import "time"

const (
	StatusDraft     = "draft"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

const (
	RoleParticipant       = "participant"
	RoleCreativeWriter    = "creative_writer"
	RolePresenter         = "presenter"
	RolePresentationMaker = "presentation_maker"
	RoleAccountManager    = "account_manager"
	RoleMediaPerson       = "media_person"
)

const (
	ActionSaveDraft = "save_draft"
	ActionSubmit    = "submit"
)

const FormTypeInnerMeeting = "inner_meeting"

// Body is the mutable field set of a draft, keyed by field name.
type Body map[string]any

type Draft struct {
	ID         string
	ShareToken string
	FormType   string
	Status     string
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Contact struct {
	ID              string
	FirstName       string
	LastName        string
	HebrewFirstName string
	HebrewLastName  string
	Email           string
}

func (c Contact) Name() string {
	return joinName(c.FirstName, c.LastName)
}

func (c Contact) HebrewName() string {
	return joinName(c.HebrewFirstName, c.HebrewLastName)
}

type Participant struct {
	DraftID   string
	ContactID string
	Role      string
	Contact   Contact
	CreatedAt time.Time
}

type ActivityEntry struct {
	ID         int64
	DraftID    string
	ActorEmail string
	ActorName  string
	ActionType string
	CreatedAt  time.Time
}

// AuthUser is the signed-in person as supplied by the auth provider.
type AuthUser struct {
	Email      string
	Name       string
	HebrewName string
	ContactID  string
}

// DisplayName is the name recorded against activity entries.
func (u AuthUser) DisplayName() string {
	if u.HebrewName != "" {
		return u.HebrewName
	}
	return u.Name
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
