package app

import (
	"context"
	"fmt"

	"halcyon/internal/command"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/ports"
)

// rootExecutor implements approval.Executor: the side effect named by an
// approved, side-effecting Intent, dispatched to the concrete port. Invoked
// synchronously inside approval.Queue.Decide on Approve (spec §4.5, P3).
type rootExecutor struct {
	root *Root
}

func (e *rootExecutor) Execute(ctx context.Context, principal domain.UserID, intent command.Intent) (any, error) {
	r := e.root
	switch intent.Kind {
	case command.KindCreateReminder:
		return r.Reminders.CreateUserReminder(ctx, principal, intent.Text, intent.Location, intent.When)

	case command.KindSnoozeReminder:
		id, err := domain.ParseID(intent.TargetID)
		if err != nil {
			return nil, halerrors.New(halerrors.Validation, "invalid reminder id", err)
		}
		return r.Reminders.Snooze(ctx, id, principal, intent.Duration)

	case command.KindAckReminder:
		id, err := domain.ParseID(intent.TargetID)
		if err != nil {
			return nil, halerrors.New(halerrors.Validation, "invalid reminder id", err)
		}
		return r.Reminders.Acknowledge(ctx, id, principal)

	case command.KindDeleteReminder:
		id, err := domain.ParseID(intent.TargetID)
		if err != nil {
			return nil, halerrors.New(halerrors.Validation, "invalid reminder id", err)
		}
		return nil, r.Reminders.Delete(ctx, id, principal)

	case command.KindDraftEmail:
		if r.Ports.Mail == nil {
			return nil, halerrors.New(halerrors.UpstreamUnavailable, "mail collaborator not configured", nil)
		}
		return r.Ports.Mail.Draft(ctx, principal, intent.To, intent.Subject, intent.Body)

	case command.KindSendEmail:
		if r.Ports.Mail == nil {
			return nil, halerrors.New(halerrors.UpstreamUnavailable, "mail collaborator not configured", nil)
		}
		return nil, r.Ports.Mail.Send(ctx, principal, intent.TargetID)

	case command.KindCreateCalendarEvent:
		if r.Ports.Calendar == nil {
			return nil, halerrors.New(halerrors.UpstreamUnavailable, "calendar collaborator not configured", nil)
		}
		return r.Ports.Calendar.CreateEvent(ctx, principal, ports.CalendarEvent{
			Title: intent.Title, Start: intent.Start, End: intent.End, Location: intent.Location,
		})

	case command.KindDeleteCalendarEvent:
		if r.Ports.Calendar == nil {
			return nil, halerrors.New(halerrors.UpstreamUnavailable, "calendar collaborator not configured", nil)
		}
		return nil, r.Ports.Calendar.DeleteEvent(ctx, principal, intent.TargetID)

	default:
		return nil, halerrors.New(halerrors.Internal, fmt.Sprintf("intent kind %q has no registered executor", intent.Kind), nil)
	}
}
