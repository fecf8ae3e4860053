package oxm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldCatalogue(t *testing.T) {
	for f := Field(0); f < FieldMax; f++ {
		assert.NotEmpty(t, f.String())
		assert.True(t, f.Bits() > 0 && f.Bits() <= 128, f.String())
		g, ok := FieldByName(f.String())
		assert.True(t, ok)
		assert.Equal(t, f, g)
	}
	assert.Equal(t, 128, OFPXMT_OFB_IPV6_SRC.Bits())
	assert.Equal(t, Value{Hi: ^uint64(0), Lo: ^uint64(0)}, OFPXMT_OFB_IPV6_SRC.FullMask())
	assert.Equal(t, U64(0xffffffffffff), OFPXMT_OFB_ETH_DST.FullMask())
	assert.False(t, OFPXMT_OFB_IN_PORT.Maskable())
	assert.Equal(t, 40, AllFields.Len())
}

func TestTernaryMatch(t *testing.T) {
	// (v & mask) == (value & mask), and a zero mask matches everything.
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		value := Value{Hi: r.Uint64(), Lo: r.Uint64()}
		mask := Value{Hi: r.Uint64(), Lo: r.Uint64()}
		v := Value{Hi: r.Uint64(), Lo: r.Uint64()}
		if i%2 == 0 {
			v = value.And(mask).Or(v.AndNot(mask))
		}
		vm := Masked(OFPXMT_OFB_IPV6_SRC, value, mask)
		assert.Equal(t, v.And(mask) == value.And(mask), vm.Matches(v))
		assert.True(t, ValueMask{}.Matches(v))
	}
}

func TestOverlapCoverGeneralize(t *testing.T) {
	f := OFPXMT_OFB_IPV4_DST
	net8 := Masked(f, U64(0x0a000000), U64(0xff000000))
	net16 := Masked(f, U64(0x0a010000), U64(0xffff0000))
	other := Masked(f, U64(0x0b000000), U64(0xff000000))
	host := Exact(f, U64(0x0a010203))
	wild := ValueMask{}

	assert.True(t, net8.Overlaps(net16))
	assert.True(t, net16.Overlaps(net8))
	assert.False(t, net8.Overlaps(other))
	assert.True(t, wild.Overlaps(host))

	assert.True(t, net8.Covers(net16))
	assert.False(t, net16.Covers(net8))
	assert.True(t, net16.Covers(host))
	assert.True(t, wild.Covers(net8))
	assert.False(t, net8.Covers(wild))
	assert.True(t, host.Covers(host))

	g := net8.Generalize(other)
	assert.Equal(t, U64(0xfe000000), g.Mask)
	assert.True(t, g.Covers(net8))
	assert.True(t, g.Covers(other))
	assert.True(t, host.Generalize(host) == host)
	assert.True(t, host.Generalize(wild).IsWildcard())
}
