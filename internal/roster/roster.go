// Package roster reads events and their confirmed participants from the
// database in the shape the certificate generator consumes.
package roster

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"eventcert/internal/certificate"
	"eventcert/internal/database"
)

// ErrEventNotFound is returned for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

// Source loads rosters through gorm.
type Source struct {
	db *gorm.DB
}

// NewSource returns a Source backed by db.
func NewSource(db *gorm.DB) *Source {
	return &Source{db: db}
}

// Event loads one event.
func (s *Source) Event(ctx context.Context, id uint) (certificate.Event, error) {
	var ev database.Event
	if err := s.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return certificate.Event{}, ErrEventNotFound
		}
		return certificate.Event{}, fmt.Errorf("load event %d: %w", id, err)
	}
	return toEvent(ev), nil
}

// Events lists every event, newest first.
func (s *Source) Events(ctx context.Context) ([]certificate.Event, error) {
	var rows []database.Event
	if err := s.db.WithContext(ctx).Order("id desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]certificate.Event, 0, len(rows))
	for _, ev := range rows {
		out = append(out, toEvent(ev))
	}
	return out, nil
}

// Participants returns the members of the event's confirmed teams ordered by
// team, then by registration order within the team. Pending and rejected
// teams never receive certificates.
func (s *Source) Participants(ctx context.Context, eventID uint) ([]certificate.Participant, error) {
	var teams []database.Team
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND status = ?", eventID, database.TeamConfirmed).
		Order("id asc").
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		Find(&teams).Error
	if err != nil {
		return nil, fmt.Errorf("load participants of event %d: %w", eventID, err)
	}

	var out []certificate.Participant
	for _, team := range teams {
		for _, m := range team.Members {
			out = append(out, certificate.Participant{
				USN:          m.USN,
				Name:         m.Name,
				Email:        m.Email,
				TeamName:     team.Name,
				PrizeType:    team.PrizeType,
				IsTeamLeader: m.IsLeader,
			})
		}
	}
	return out, nil
}

func toEvent(ev database.Event) certificate.Event {
	return certificate.Event{
		ID:        ev.ID,
		Name:      ev.Name,
		Venue:     ev.Venue,
		EventType: ev.EventType,
		Category:  ev.Category,
		FromDate:  ev.FromDate,
		ToDate:    ev.ToDate,
	}
}
