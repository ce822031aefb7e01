package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlots(t *testing.T) {
	specs, err := ParseSlots([]string{
		"0 5460 127.0.0.1:7000 127.0.0.1:7003",
		"5461 10922 127.0.0.1:7001",
		"10923 16383 127.0.0.1:7002 127.0.0.1:7005",
		"100 100 127.0.0.1:7001",
	})
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, ShardSpec{
		Primary:  "127.0.0.1:7000",
		Replicas: []string{"127.0.0.1:7003"},
		Ranges:   []SlotRange{{0, 5460}},
	}, specs[0])
	assert.Equal(t, []SlotRange{{5461, 10922}, {100, 100}}, specs[1].Ranges)
	assert.Nil(t, specs[1].Replicas)
}

func TestParseSlotsMalformed(t *testing.T) {
	for _, line := range []string{
		"0 100",
		"x 100 a:1",
		"0 y a:1",
	} {
		_, err := ParseSlots([]string{line})
		assert.ErrorIs(t, err, ErrInvalidTopology, line)
	}
}

func TestFormatSlotsRoundTrip(t *testing.T) {
	specs := threeShards()
	parsed, err := ParseSlots(FormatSlots(specs))
	require.NoError(t, err)
	assert.Equal(t, specs, parsed)
}
