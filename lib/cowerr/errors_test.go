package cowerr_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.dev/cowtree/lib/cowerr"
)

func TestIsRetryMatchesWrappedError(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("walking snapshot: %w", cowerr.Retry)
	assert.True(t, cowerr.IsRetry(wrapped))
	assert.False(t, cowerr.IsRetry(cowerr.NotFound))
}
