package chat

import (
	"context"
	"time"

	"github.com/lorekeep/lorekeep/internal/store"
)

// Bucket labels for the grouped session list, most recent first.
const (
	BucketToday     = "today"
	BucketYesterday = "yesterday"
	BucketThisWeek  = "this_week"
	BucketEarlier   = "earlier"
)

// SessionGroup is one recency bucket of the session list.
type SessionGroup struct {
	Group    string           `json:"group"`
	Sessions []*store.Session `json:"sessions"`
}

// Sessions returns the user's sessions grouped by recency.
func (s *Service) Sessions(ctx context.Context, userID string) ([]SessionGroup, error) {
	sessions, err := s.meta.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return GroupSessions(sessions, time.Now()), nil
}

// Messages returns a session's messages in chronological order. The
// session must exist and belong to the user.
func (s *Service) Messages(ctx context.Context, sessionID, userID string) ([]*store.Message, error) {
	if _, err := s.meta.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.meta.ListMessages(ctx, sessionID, userID)
}

// DeleteSession removes a session and, through the store, its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) error {
	return s.meta.DeleteSession(ctx, sessionID, userID)
}

// DeleteMessage removes one message after the store's ownership check.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	return s.meta.DeleteMessage(ctx, messageID, userID)
}

// GroupSessions partitions sessions into recency buckets on updated_at:
// today, yesterday, the last seven days, and everything earlier. Bucket
// order is fixed; empty buckets are dropped; within a bucket the store's
// most-recent-first order is preserved.
func GroupSessions(sessions []*store.Session, now time.Time) []SessionGroup {
	today := civilDate(now)
	yesterday := today.AddDate(0, 0, -1)
	weekStart := today.AddDate(0, 0, -7)

	byBucket := map[string][]*store.Session{}
	for _, session := range sessions {
		day := civilDate(session.UpdatedAt.In(now.Location()))
		var bucket string
		switch {
		case day.Equal(today):
			bucket = BucketToday
		case day.Equal(yesterday):
			bucket = BucketYesterday
		case !day.Before(weekStart):
			bucket = BucketThisWeek
		default:
			bucket = BucketEarlier
		}
		byBucket[bucket] = append(byBucket[bucket], session)
	}

	groups := make([]SessionGroup, 0, 4)
	for _, bucket := range []string{BucketToday, BucketYesterday, BucketThisWeek, BucketEarlier} {
		if list := byBucket[bucket]; len(list) > 0 {
			groups = append(groups, SessionGroup{Group: bucket, Sessions: list})
		}
	}
	return groups
}

// civilDate truncates a time to midnight in its own location.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
