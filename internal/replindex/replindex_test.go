package replindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndLocations(t *testing.T) {
	idx := New()
	key := Key{FileID: "f1", Index: 0}
	idx.Register(key, "n1")
	idx.Register(key, "n2")

	locs := idx.Locations(key)
	assert.ElementsMatch(t, []string{"n1", "n2"}, locs)
	assert.ElementsMatch(t, []Key{key}, idx.ChunksOn("n1"))
}

func TestUnregisterKeepsOtherView(t *testing.T) {
	idx := New()
	key := Key{FileID: "f1", Index: 0}
	idx.Register(key, "n1")
	idx.Register(key, "n2")

	idx.Unregister(key, "n1")
	assert.ElementsMatch(t, []string{"n2"}, idx.Locations(key))
	assert.Empty(t, idx.ChunksOn("n1"))
}

func TestEvictNodeRemovesAllItsChunks(t *testing.T) {
	idx := New()
	k1 := Key{FileID: "f1", Index: 0}
	k2 := Key{FileID: "f1", Index: 1}
	idx.Register(k1, "n1")
	idx.Register(k2, "n1")
	idx.Register(k1, "n2")

	affected := idx.EvictNode("n1")
	assert.ElementsMatch(t, []Key{k1, k2}, affected)
	assert.ElementsMatch(t, []string{"n2"}, idx.Locations(k1))
	assert.Empty(t, idx.Locations(k2))
	assert.Empty(t, idx.ChunksOn("n1"))
}

func TestUnderReplicated(t *testing.T) {
	idx := New()
	k1 := Key{FileID: "f1", Index: 0}
	k2 := Key{FileID: "f1", Index: 1}
	idx.SetRequiredReplication(k1, 3)
	idx.SetRequiredReplication(k2, 3)
	idx.Register(k1, "n1")
	idx.Register(k1, "n2")
	idx.Register(k1, "n3")
	idx.Register(k2, "n1")

	under := idx.UnderReplicated()
	assert.Len(t, under, 1)
	assert.Equal(t, k2, under[0].Key)
	assert.Equal(t, 1, under[0].CurrentR)
	assert.Equal(t, 3, under[0].RequiredR)
}

func TestForgetFileRemovesEverything(t *testing.T) {
	idx := New()
	k1 := Key{FileID: "f1", Index: 0}
	idx.SetRequiredReplication(k1, 3)
	idx.Register(k1, "n1")

	idx.ForgetFile("f1")
	assert.Empty(t, idx.Locations(k1))
	assert.Empty(t, idx.UnderReplicated())
}
