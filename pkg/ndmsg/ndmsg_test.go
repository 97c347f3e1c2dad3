package ndmsg

import (
	"encoding/hex"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrCmp = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
	mac     = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	eui64   = net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	llSrc   = netip.MustParseAddr("fe80::211:22ff:fe33:4455")
	llDst   = netip.MustParseAddr("fe80::1")
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hw   net.HardwareAddr
		msg  Message
	}{
		{
			name: "ns with slla",
			hw:   mac,
			msg:  &NeighborSolicitation{Target: llDst, SourceLinkAddr: mac},
		},
		{
			name: "dad ns",
			hw:   mac,
			msg:  &NeighborSolicitation{Target: netip.MustParseAddr("2001:db8::5")},
		},
		{
			name: "na flags",
			hw:   eui64,
			msg:  &NeighborAdvertisement{Router: true, Override: true, Target: llSrc, TargetLinkAddr: eui64},
		},
		{
			name: "rs",
			hw:   mac,
			msg:  &RouterSolicitation{SourceLinkAddr: mac},
		},
		{
			name: "ra with options",
			hw:   mac,
			msg: &RouterAdvertisement{
				CurHopLimit:    64,
				Other:          true,
				RouterLifetime: 1800,
				ReachableTime:  30000,
				RetransTimer:   1000,
				SourceLinkAddr: mac,
				MTU:            1400,
				Prefixes: []PrefixInformation{
					{PrefixLength: 64, OnLink: true, Autonomous: true, ValidLifetime: 86400, PreferredLifetime: 14400, Prefix: netip.MustParseAddr("2001:db8:1::")},
					{PrefixLength: 48, OnLink: true, ValidLifetime: 0xffffffff, PreferredLifetime: 0xffffffff, Prefix: netip.MustParseAddr("2001:db8:2::")},
				},
				RecursiveDNS: []RecursiveDNS{
					{Lifetime: 600, Servers: []netip.Addr{netip.MustParseAddr("2001:db8::53"), netip.MustParseAddr("2001:db8::54")}},
				},
			},
		},
		{
			name: "redirect",
			hw:   mac,
			msg: &Redirect{
				Target:         netip.MustParseAddr("fe80::2"),
				Destination:    netip.MustParseAddr("2001:db8:9::1"),
				TargetLinkAddr: mac,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.msg, llSrc, llDst)
			require.NoError(t, err)
			assert.True(t, VerifyChecksum(llSrc, llDst, b), "checksum of %x", b)
			assert.Zero(t, len(b)%8, "messages are a multiple of the option unit")

			got, err := Parse(b, len(tt.hw))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.msg, got, addrCmp); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLinkAddrOptionPadding(t *testing.T) {
	assert.Equal(t, 8, LinkAddrOptionLength(6))
	assert.Equal(t, 16, LinkAddrOptionLength(8))

	b, err := Marshal(&NeighborSolicitation{Target: llDst, SourceLinkAddr: eui64}, llSrc, llDst)
	require.NoError(t, err)
	require.Len(t, b, 24+16)
	assert.Equal(t, byte(OptionSourceLinkAddr), b[24])
	assert.Equal(t, byte(2), b[25])
	assert.Equal(t, []byte(eui64), b[26:34])
	assert.Equal(t, make([]byte, 6), b[34:40])
}

func TestParseErrors(t *testing.T) {
	ns, err := Marshal(&NeighborSolicitation{Target: llDst}, llSrc, llDst)
	require.NoError(t, err)

	_, err = Parse(ns[:20], 6)
	assert.ErrorIs(t, err, ErrTruncated)

	zeroLength := append(append([]byte(nil), ns...), byte(OptionSourceLinkAddr), 0, 0, 0, 0, 0, 0, 0)
	_, err = Parse(zeroLength, 6)
	assert.ErrorIs(t, err, ErrMalformedOption)

	overrun := append(append([]byte(nil), ns...), byte(OptionSourceLinkAddr), 2, 0, 0, 0, 0, 0, 0)
	_, err = Parse(overrun, 6)
	assert.ErrorIs(t, err, ErrMalformedOption)

	shortLLA := append(append([]byte(nil), ns...), byte(OptionSourceLinkAddr), 1, 1, 2, 3, 4, 5, 6)
	_, err = Parse(shortLLA, 8)
	assert.ErrorIs(t, err, ErrMalformedOption)

	_, err = Parse([]byte{128, 0, 0, 0, 0, 0, 0, 0}, 6)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParseSkipsUnknownOptions(t *testing.T) {
	ns, err := Marshal(&NeighborSolicitation{Target: llDst, SourceLinkAddr: mac}, llSrc, llDst)
	require.NoError(t, err)
	withNonce := append(append([]byte(nil), ns...), 14, 1, 1, 2, 3, 4, 5, 6)

	m, err := Parse(withNonce, 6)
	require.NoError(t, err)
	assert.Equal(t, mac, m.(*NeighborSolicitation).SourceLinkAddr)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	b, err := Marshal(&NeighborAdvertisement{Solicited: true, Target: llSrc, TargetLinkAddr: mac}, llSrc, llDst)
	require.NoError(t, err)
	require.True(t, VerifyChecksum(llSrc, llDst, b))

	b[5] ^= 0x01
	assert.False(t, VerifyChecksum(llSrc, llDst, b))
	SetChecksum(llSrc, llDst, b)
	assert.True(t, VerifyChecksum(llSrc, llDst, b))

	assert.False(t, VerifyChecksum(llSrc, netip.MustParseAddr("ff02::1"), b))
}

// gopacket computes the same checksum while serializing
func TestChecksumMatchesGopacket(t *testing.T) {
	for _, msg := range []Message{
		&NeighborSolicitation{Target: llDst, SourceLinkAddr: mac},
		&NeighborAdvertisement{Router: true, Override: true, Target: llSrc, TargetLinkAddr: mac},
		&RouterSolicitation{},
	} {
		b, err := Marshal(msg, llSrc, llDst)
		require.NoError(t, err)

		ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolICMPv6, HopLimit: 255,
			SrcIP: llSrc.AsSlice(), DstIP: llDst.AsSlice()}
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(b[0], b[1])}
		require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
		out := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(out, gopacket.SerializeOptions{ComputeChecksums: true},
			icmp, gopacket.Payload(b[icmpHeaderLength:])))

		assert.Equal(t, out.Bytes(), b, "%T", msg)
	}
}

func TestChecksumOddLength(t *testing.T) {
	msg := []byte{128, 0, 0, 0, 0, 1, 0, 1, 0xab}
	SetChecksum(llSrc, llDst, msg)
	assert.True(t, VerifyChecksum(llSrc, llDst, msg))
	msg[8] = 0xac
	assert.False(t, VerifyChecksum(llSrc, llDst, msg))
	assert.False(t, VerifyChecksum(llSrc, llDst, msg[:3]))
}

// A DAD probe carries no options
func TestParseDADProbe(t *testing.T) {
	b, err := hex.DecodeString("87000000000000002001" + "0db8000000000000000000000005")
	require.NoError(t, err)

	m, err := Parse(b, 6)
	require.NoError(t, err)
	ns, ok := m.(*NeighborSolicitation)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("2001:db8::5"), ns.Target)
	assert.Nil(t, ns.SourceLinkAddr)
}

func TestInteropWithNDP(t *testing.T) {
	b, err := Marshal(&NeighborSolicitation{Target: llDst, SourceLinkAddr: mac}, llSrc, llDst)
	require.NoError(t, err)

	m, err := ndp.ParseMessage(b)
	require.NoError(t, err)
	ns, ok := m.(*ndp.NeighborSolicitation)
	require.True(t, ok)
	assert.Equal(t, llDst, ns.TargetAddress)
	require.Len(t, ns.Options, 1)
	lla, ok := ns.Options[0].(*ndp.LinkLayerAddress)
	require.True(t, ok)
	assert.Equal(t, ndp.Source, lla.Direction)
	assert.Equal(t, mac, lla.Addr)

	na := &ndp.NeighborAdvertisement{
		Solicited:     true,
		Override:      true,
		TargetAddress: llSrc,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Target, Addr: mac},
		},
	}
	wire, err := ndp.MarshalMessage(na)
	require.NoError(t, err)

	got, err := Parse(wire, 6)
	require.NoError(t, err)
	want := &NeighborAdvertisement{Solicited: true, Override: true, Target: llSrc, TargetLinkAddr: mac}
	if diff := cmp.Diff(want, got, addrCmp); diff != "" {
		t.Errorf("ndp advertisement mismatch (-want +got):\n%s", diff)
	}
}
