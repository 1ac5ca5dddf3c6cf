package keychain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealRoundtrip(t *testing.T) {
	kc, err := New("correct horse battery staple")
	require.NoError(t, err)

	for _, plain := range []string{
		"hunter2",
		"p@ssw0rd with spaces",
		"12345678901234567890123456789012345678901234567890",
		"雲海カード",
	} {
		sealed, err := kc.Seal(plain)
		require.NoError(t, err)
		require.Len(t, strings.Split(sealed, "."), 3)

		opened, err := kc.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, plain, opened)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	kc, err := New("correct horse battery staple")
	require.NoError(t, err)

	a, err := kc.Seal("hunter2")
	require.NoError(t, err)
	b, err := kc.Seal("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpenRejectsTamperedTag(t *testing.T) {
	kc, err := New("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := kc.Seal("hunter2")
	require.NoError(t, err)

	parts := strings.Split(sealed, ".")
	tag := []byte(parts[1])
	if tag[0] == 'A' {
		tag[0] = 'B'
	} else {
		tag[0] = 'A'
	}
	parts[1] = string(tag)

	_, err = kc.Open(strings.Join(parts, "."))
	require.Error(t, err)
}

func TestOpenRejectsMalformedPayload(t *testing.T) {
	kc, err := New("correct horse battery staple")
	require.NoError(t, err)

	for _, blob := range []string{"", "a.b", "not base64.!!!.???", "a.b.c.d"} {
		_, err := kc.Open(blob)
		require.ErrorIs(t, err, ErrInvalidPayload)
	}
}

func TestRejectsShortSecret(t *testing.T) {
	_, err := New("short")
	require.Error(t, err)
}

func TestWrongKeyFailsClosed(t *testing.T) {
	kc1, err := New("correct horse battery staple")
	require.NoError(t, err)
	kc2, err := New("a completely different secret")
	require.NoError(t, err)

	sealed, err := kc1.Seal("hunter2")
	require.NoError(t, err)

	_, err = kc2.Open(sealed)
	require.Error(t, err)
}
