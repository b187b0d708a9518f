package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsActiveOrTrialing(t *testing.T) {
	tests := map[string]bool{
		StatusActive:            true,
		StatusTrialing:          true,
		StatusPastDue:           false,
		StatusCanceled:          false,
		StatusIncomplete:        false,
		StatusIncompleteExpired: false,
		StatusUnpaid:            false,
		StatusPaused:            false,
		"":                      false,
	}

	for status, want := range tests {
		assert.Equal(t, want, IsActiveOrTrialing(status), status)
	}
}
