package agebox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

func TestSealOpenBundle(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Close()

	bundle := []byte(`{"version":1,"mode":"simple","key":"AAAA"}`)
	sealed, err := SealBundle(bundle, []string{id.Recipient})
	require.NoError(t, err)
	assert.NotContains(t, sealed, "simple")

	opened, err := OpenBundle(sealed, id.PrivateKey)
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, bundle, opened.Bytes())
}

func TestOpenBundle_MultipleRecipients(t *testing.T) {
	first, err := GenerateIdentity()
	require.NoError(t, err)
	defer first.Close()
	second, err := GenerateIdentity()
	require.NoError(t, err)
	defer second.Close()

	sealed, err := SealBundle([]byte("bundle"), []string{first.Recipient, second.Recipient})
	require.NoError(t, err)

	for _, id := range []*Identity{first, second} {
		opened, err := OpenBundle(sealed, id.PrivateKey)
		require.NoError(t, err)
		assert.Equal(t, "bundle", opened.String())
		require.NoError(t, opened.Close())
	}
}

func TestOpenBundle_IdentityFileWithComments(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Close()

	sealed, err := SealBundle([]byte("bundle"), []string{id.Recipient})
	require.NoError(t, err)

	file, err := secret.NewFromBytes([]byte("# created by credseal keygen-age\n# public key: " + id.Recipient + "\n" + id.PrivateKey.String() + "\n"))
	require.NoError(t, err)
	defer file.Close()

	opened, err := OpenBundle(sealed, file)
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, "bundle", opened.String())
}

func TestOpenBundle_WrongIdentity(t *testing.T) {
	owner, err := GenerateIdentity()
	require.NoError(t, err)
	defer owner.Close()
	stranger, err := GenerateIdentity()
	require.NoError(t, err)
	defer stranger.Close()

	sealed, err := SealBundle([]byte("bundle"), []string{owner.Recipient})
	require.NoError(t, err)

	_, err = OpenBundle(sealed, stranger.PrivateKey)
	assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound), "got %v", err)

	_, err = OpenBundle("not base64!", owner.PrivateKey)
	assert.True(t, errors.Is(err, model.ErrKeyMaterialNotFound), "got %v", err)
}

func TestSealBundle_Recipients(t *testing.T) {
	_, err := SealBundle([]byte("x"), nil)
	assert.Error(t, err)

	_, err = SealBundle([]byte("x"), []string{"age1notakey"})
	assert.Error(t, err)

	assert.Error(t, ValidateRecipient("ssh-ed25519 AAAA"))
}
