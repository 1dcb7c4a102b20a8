package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, AddressLength)
	addr := MustNewAddress(NHBPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, decoded.Equal(addr))
	require.Equal(t, NHBPrefix, decoded.Prefix())
	require.Equal(t, addr.Key(), decoded.Key())
}

func TestNewAddressRejectsShortPayload(t *testing.T) {
	_, err := NewAddress(NHBPrefix, []byte{0x01})
	require.Error(t, err)
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("not-an-address")
	require.Error(t, err)
	_, err = DecodeAddress("  ")
	require.Error(t, err)
}

func TestAddressEqualIgnoresPrefix(t *testing.T) {
	raw := bytes.Repeat([]byte{0x22}, AddressLength)
	require.True(t, MustNewAddress(NHBPrefix, raw).Equal(MustNewAddress(ZNHBPrefix, raw)))
	require.True(t, Address{}.IsZero())
}
