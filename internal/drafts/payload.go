package drafts

import (
	"strings"

	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

// sanitize swaps double quotes for single quotes; the receiving automation
// splices text values into its own JSON templates.
func sanitize(value string) string {
	return strings.ReplaceAll(value, `"`, `'`)
}

func person(p store.Participant) delivery.Person {
	return delivery.Person{
		Name:       sanitize(p.Contact.Name()),
		Email:      p.Contact.Email,
		HebrewName: sanitize(p.Contact.HebrewName()),
	}
}

func holders(participants []store.Participant) map[string][]store.Participant {
	byRole := make(map[string][]store.Participant)
	for _, p := range participants {
		byRole[p.Role] = append(byRole[p.Role], p)
	}
	return byRole
}

// checkComplete verifies body and participants are ready for delivery.
func checkComplete(body store.Body, participants []store.Participant) error {
	problems := map[string]string{}
	for _, name := range requiredFields {
		if strings.TrimSpace(Text(body, name)) == "" {
			problems[name] = "required"
		}
	}
	byRole := holders(participants)
	if len(byRole[store.RoleParticipant]) == 0 {
		problems[store.RoleParticipant] = "at least one participant is required"
	}
	for _, role := range requiredRoles {
		switch n := len(byRole[role]); {
		case n == 0:
			problems[role] = "required"
		case n > 1:
			problems[role] = "only one holder allowed"
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Message: "draft is not ready to submit", Fields: problems}
	}
	return nil
}

func buildPayload(draftID string, body store.Body, participants []store.Participant) delivery.Payload {
	byRole := holders(participants)
	first := func(role string) delivery.Person {
		if list := byRole[role]; len(list) > 0 {
			return person(list[0])
		}
		return delivery.Person{}
	}
	text := func(name string) string {
		return sanitize(Text(body, name))
	}

	payload := delivery.Payload{
		DraftID:              draftID,
		ClientName:           text("clientName"),
		MeetingDate:          Text(body, "meetingDate"),
		Participants:         make([]delivery.Person, 0, len(byRole[store.RoleParticipant])),
		CreativeWriter:       first(store.RoleCreativeWriter),
		Presenter:            first(store.RolePresenter),
		PresentationMaker:    first(store.RolePresentationMaker),
		AccountManager:       first(store.RoleAccountManager),
		AboutBrand:           text("aboutBrand"),
		TargetAudiences:      text("targetAudiences"),
		Goals:                text("goals"),
		Insight:              text("insight"),
		Strategy:             text("strategy"),
		MediaStrategy:        text("mediaStrategy"),
		Creative:             text("creative"),
		CreativePresentation: text("creativePresentation"),
		InfluencersExample:   text("influencersExample"),
		AdditionalNotes:      text("additionalNotes"),
		BudgetDistribution:   text("budgetDistribution"),
		CreativeDeadline:     Text(body, "creativeDeadline"),
		InternalDeadline:     Text(body, "internalDeadline"),
		ClientDeadline:       Text(body, "clientDeadline"),
	}
	for _, p := range byRole[store.RoleParticipant] {
		payload.Participants = append(payload.Participants, person(p))
	}
	if list := byRole[store.RoleMediaPerson]; len(list) > 0 {
		media := person(list[0])
		payload.MediaPerson = &media
	}
	return payload
}
