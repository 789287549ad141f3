package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSetsComponentPrefix(t *testing.T) {
	assert.Equal(t, "[api] ", New("api").Prefix())
	assert.Equal(t, "[worker] ", Errors(" worker ").Prefix())
	assert.Empty(t, New("").Prefix())
}

func TestVerboseDefaultsOff(t *testing.T) {
	assert.False(t, Verbose(5))
}
