package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/shopper-dispatch/internal/models"
)

var allStatuses = []models.Status{
	models.StatusPending,
	models.StatusAccepted,
	models.StatusInProgress,
	models.StatusPriceConfirmed,
	models.StatusCompleted,
	models.StatusCancelled,
}

func TestCheckTransition_AllowedEdges(t *testing.T) {
	allowed := map[[2]models.Status]bool{
		{models.StatusPending, models.StatusAccepted}:          true,
		{models.StatusPending, models.StatusCancelled}:         true,
		{models.StatusAccepted, models.StatusInProgress}:       true,
		{models.StatusAccepted, models.StatusCancelled}:        true,
		{models.StatusInProgress, models.StatusPriceConfirmed}: true,
		{models.StatusInProgress, models.StatusCancelled}:      true,
		{models.StatusPriceConfirmed, models.StatusCompleted}:  true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := CheckTransition(from, to)
			if allowed[[2]models.Status{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestCheckTransition_TerminalRejectsEverything(t *testing.T) {
	for _, from := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		assert.True(t, Terminal(from))
		for _, to := range allStatuses {
			var te *TransitionError
			err := CheckTransition(from, to)
			assert.True(t, errors.As(err, &te))
			assert.Equal(t, from, te.From)
		}
	}
}

func TestCheckTransition_CancelAfterPriceConfirmed(t *testing.T) {
	err := CheckTransition(models.StatusPriceConfirmed, models.StatusCancelled)
	assert.ErrorIs(t, err, ErrRefundRequired)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRankIsMonotonicAlongForwardPath(t *testing.T) {
	path := []models.Status{
		models.StatusPending,
		models.StatusAccepted,
		models.StatusInProgress,
		models.StatusPriceConfirmed,
		models.StatusCompleted,
	}
	for i := 1; i < len(path); i++ {
		assert.Greater(t, Rank(path[i]), Rank(path[i-1]))
	}
	assert.Equal(t, Rank(models.StatusCompleted), Rank(models.StatusCancelled))
}

func TestAssigned(t *testing.T) {
	assert.False(t, Assigned(models.StatusPending))
	assert.False(t, Assigned(models.StatusCancelled))
	assert.True(t, Assigned(models.StatusAccepted))
	assert.True(t, Assigned(models.StatusCompleted))
}
