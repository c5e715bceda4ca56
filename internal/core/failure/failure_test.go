package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name  string
		err   error
		kind  Kind
		fatal bool
	}{
		{"nil", nil, "", false},
		{"plain", base, KindInternal, false},
		{"auth", Auth("login", base), KindAuth, true},
		{"wrapped network", fmt.Errorf("init: %w", Network("proxy", base)), KindNetwork, true},
		{"locator", Locator("fill diagnosis", base), KindLocator, false},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), KindCanceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("no response")
	err := Network("validate", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "validate: no response", err.Error())
}
