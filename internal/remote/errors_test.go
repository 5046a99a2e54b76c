package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"plain transient", errors.New("connection reset by peer"), false},
		{"timeout transient", errors.New("i/o timeout"), false},
		{"wrapped marker", Permanent(errors.New("rejected")), true},
		{"deeply wrapped marker", fmt.Errorf("apply: %w", Permanent(errors.New("rejected"))), true},
		{"missing mailbox", errors.New("NO such mailbox Archive"), true},
		{"mailbox does not exist", errors.New("Mailbox does not exist"), true},
		{"not found", errors.New("message not found"), true},
		{"permission denied", errors.New("permission denied"), true},
		{"quota", errors.New("Quota exceeded"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("boom")
	wrapped := Permanent(base)
	assert.Equal(t, "boom", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)
}
