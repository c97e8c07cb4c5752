package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/processor"
	"go-eventflow/pkg/models"
)

func TestDue(t *testing.T) {
	now := time.Now()

	assert.NoError(t, Due(now, now))
	assert.NoError(t, Due(now, now.Add(-time.Second)))

	err := Due(now, now.Add(500*time.Millisecond))
	deferred, ok := processor.AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, now.Add(500*time.Millisecond), deferred.Until)
}

func TestScheduler_Schedule(t *testing.T) {
	pub := broker.NewMockPublisher()
	s := New(pub, time.Hour)

	at := time.Now().Add(30 * time.Minute)
	env, err := s.Schedule(context.Background(), models.SubjectNotificationExpired, models.NotificationsExpiredEvent{
		NotificationIDs: []string{"n1"},
		ExpiredAt:       at,
	}, at)
	require.NoError(t, err)
	assert.Equal(t, models.SubjectNotificationExpired, env.Subject)
	assert.Len(t, pub.GetPublishedMessages(), 1)

	_, err = s.Schedule(context.Background(), models.SubjectNotificationExpired, struct{}{}, time.Now().Add(2*time.Hour))
	assert.True(t, errors.Is(err, ErrDelayTooLong))
	assert.Len(t, pub.GetPublishedMessages(), 1)
}
