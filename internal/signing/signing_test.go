package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known hardhat account #0
const (
	testKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddr = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddr, s.Address())

	_, err = NewSigner("")
	assert.Error(t, err)
	_, err = NewSigner("0xnothex")
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	msg := "Order: ivxp-3b241101-e2bb-4255-8caf-4136c566a962 | Payment: 0xabc | Timestamp: 2026-02-05T12:00:00Z"
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64])

	ok, err := Verify(msg, sig, testAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(msg, sig, "0x"+strings.ToUpper(testAddr[2:]))
	require.NoError(t, err)
	assert.True(t, ok, "address comparison is case-insensitive")

	ok, err = Verify(msg+" ", sig, testAddr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAcceptsLowRecoveryID(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	sig, err := s.Sign("hello")
	require.NoError(t, err)

	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	raw[64] -= 27

	ok, err := Verify("hello", hexutil.Encode(raw), testAddr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyMalformedIsFalse(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	good, err := s.Sign("hello")
	require.NoError(t, err)

	raw, _ := hexutil.Decode(good)
	raw[64] = 5
	badV := hexutil.Encode(raw)

	cases := map[string][2]string{
		"not hex":       {"0xzz", testAddr},
		"empty":         {"", testAddr},
		"short":         {"0x" + strings.Repeat("11", 64), testAddr},
		"zero bytes":    {"0x" + strings.Repeat("00", 65), testAddr},
		"bad v":         {badV, testAddr},
		"bad address":   {good, "0x1234"},
		"wrong address": {good, "0x2222222222222222222222222222222222222222"},
	}
	for name, c := range cases {
		ok, err := Verify("hello", c[0], c[1])
		assert.NoError(t, err, name)
		assert.False(t, ok, name)
	}
}

func TestFormatIVXPMessage(t *testing.T) {
	ts := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	msg, err := FormatIVXPMessage("ivxp-1", "0xabc", ts)
	require.NoError(t, err)
	assert.Equal(t, "Order: ivxp-1 | Payment: 0xabc | Timestamp: 2026-02-05T12:00:00Z", msg)

	_, err = FormatIVXPMessage("", "0xabc", ts)
	assert.Error(t, err)
	_, err = FormatIVXPMessage("ivxp-1", "", ts)
	assert.Error(t, err)

	msg, err = FormatIVXPMessageAt("ivxp-1", "0xabc", "2026-02-05T12:00:00.123Z")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(msg, "Timestamp: 2026-02-05T12:00:00.123Z"))

	_, err = FormatIVXPMessageAt("ivxp-1", "0xabc", "Feb 5")
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	s, hexKey, err := GenerateKey()
	require.NoError(t, err)
	again, err := NewSigner(hexKey)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), again.Address())
	assert.Contains(t, FormatDeliveryMessage("ivxp-1", "abc", time.Unix(0, 0)), "Content: abc")
}
