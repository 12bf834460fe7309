package services

import (
	"testing"

	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFinalStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, models.StatusCompleted, finalStatus(&models.ProcessingResult{Success: true}))
	assert.Equal(t, models.StatusPartial, finalStatus(&models.ProcessingResult{
		Success:     true,
		FailedUnits: []models.FailedUnit{{Index: 4, Reason: "decode"}},
	}))
	assert.Equal(t, models.StatusCancelled, finalStatus(&models.ProcessingResult{Cancelled: true}))
	assert.Equal(t, models.StatusFailed, finalStatus(&models.ProcessingResult{Error: "DOCUMENT_IO: read failed"}))
}

func TestResumableStatuses(t *testing.T) {
	t.Parallel()

	assert.True(t, resumable(models.StatusProcessing))
	assert.True(t, resumable(models.StatusCancelled))
	assert.False(t, resumable(models.StatusCompleted))
	assert.False(t, resumable(models.StatusPartial))
	assert.False(t, resumable(models.StatusFailed))
}
