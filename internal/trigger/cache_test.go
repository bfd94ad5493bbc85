package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnownIdentitiesEvictsLeastRecentlyUsed(t *testing.T) {
	k := NewKnownIdentities(2)
	k.Add("+15550000001")
	k.Add("+15550000002")

	assert.True(t, k.Contains("+15550000001"))
	k.Add("+15550000003")

	assert.Equal(t, 2, k.Len())
	assert.True(t, k.Contains("+15550000001"))
	assert.False(t, k.Contains("+15550000002"))
	assert.True(t, k.Contains("+15550000003"))
}

func TestKnownIdentitiesRemove(t *testing.T) {
	k := NewKnownIdentities(0)
	k.Add("+15550000001")
	k.Add("+15550000001")
	assert.Equal(t, 1, k.Len())

	k.Remove("+15550000001")
	k.Remove("+15550000009")
	assert.False(t, k.Contains("+15550000001"))
	assert.Equal(t, 0, k.Len())
}
