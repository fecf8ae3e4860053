package oxm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrings(t *testing.T) {
	tokens := []string{
		"in_port=any",
		"in_port=10",
		"in_phy_port=10",
		"metadata=0x5/0xff",
		"eth_src=00:00:00:00:00:00",
		"eth_src=00:00:00:00:00:00/01:00:00:00:00:00",
		"eth_type=0x800",
		"ipv4_src=192.168.0.1",
		"ipv4_src=192.168.0.0/255.255.255.0",
		"ipv4_src=192.0.0.1/255.0.255.255",
		"ipv6_src=::/ffff::",
		"vlan_vid=0x5",
		"vlan_vid=0x1000/0x1000",
		"tcp_dst=80",
		"pbb_isid=0x5",
	}
	for _, token := range tokens {
		o, err := ParseOne(token)
		if !assert.NoError(t, err, token) {
			continue
		}
		assert.Equal(t, token, o.String())
	}
	all := strings.Join(tokens, ",")
	list, err := Parse(all)
	require.NoError(t, err)
	assert.Equal(t, all, FormatAll(list))
}

func TestPrefixMask(t *testing.T) {
	o, err := ParseOne("ipv4_src=192.168.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, OFPXMT_OFB_IPV4_SRC, o.Field)
	assert.Equal(t, U64(0xc0a80000), o.Value)
	assert.Equal(t, U64(0xffffff00), o.Mask)

	o, err = ParseOne("ipv6_dst=2001:db8::/32")
	require.NoError(t, err)
	assert.Equal(t, Value{Hi: 0x20010db800000000}, o.Value)
	assert.Equal(t, Value{Hi: 0xffffffff00000000}, o.Mask)
}

func TestParseErrors(t *testing.T) {
	for _, token := range []string{
		"in_port=1/0xff",          // not maskable
		"eth_type=0x800/0xff",     // not maskable
		"vlan_pcp=9",              // exceeds width
		"ipv4_src=192.168.0.1/24", // value outside mask
		"nosuch=1",
		"=1",
		"ipv4_dst=10.0.0.300",
	} {
		_, err := ParseOne(token)
		assert.Error(t, err, token)
	}
}

func TestParseFields(t *testing.T) {
	fs, err := ParseFields("in_port=1,eth_type=0x800,ipv4_dst=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, NewFieldSet(OFPXMT_OFB_IN_PORT, OFPXMT_OFB_ETH_TYPE, OFPXMT_OFB_IPV4_DST), fs.Present())
	v, ok := fs.Get(OFPXMT_OFB_IPV4_DST)
	assert.True(t, ok)
	assert.Equal(t, U64(0x0a000001), v)
	_, ok = fs.Get(OFPXMT_OFB_TCP_DST)
	assert.False(t, ok)
	assert.Equal(t, "in_port=1,eth_type=0x800,ipv4_dst=10.0.0.1", fs.String())

	_, err = ParseFields("ipv4_dst=10.0.0.0/8")
	assert.Error(t, err)
}
