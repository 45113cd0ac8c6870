// ABOUTME: Tests for the registration snapshot.

package sysinfo

import (
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectGeneratesClientID(t *testing.T) {
	info := Collect("")
	_, err := uuid.Parse(info.ClientID)
	require.NoError(t, err, "generated client id must be a UUID")

	assert.NotEmpty(t, info.Hostname)
	assert.Equal(t, runtime.GOOS, info.Platform)
	assert.Equal(t, runtime.Version(), info.RuntimeVersion)
	assert.NotEmpty(t, info.IPAddress)
}

func TestCollectPinsProvidedID(t *testing.T) {
	info := Collect("pinned-id-01")
	assert.Equal(t, "pinned-id-01", info.ClientID)
}

func TestCollectDistinctIDs(t *testing.T) {
	a := Collect("")
	b := Collect("")
	assert.NotEqual(t, a.ClientID, b.ClientID)
}
