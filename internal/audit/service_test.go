package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AppendRequiresType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	require.ErrorIs(t, svc.Append(context.Background(), Event{CallID: "c-1"}), ErrInvalidEvent)
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.LogCallTransition(context.Background(), "c-1", "e-1", "u-1", "ringing", "accepted", "expert accepted")
	require.NoError(t, err)

	evs := repo.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventTypeCallTransition, evs[0].Type)
	assert.Equal(t, "c-1", evs[0].CallID)
	assert.Equal(t, "ringing", evs[0].FromStatus)
	assert.Equal(t, "accepted", evs[0].ToStatus)
	assert.NotEmpty(t, evs[0].ID)
	assert.False(t, evs[0].CreatedAt.IsZero())
}
