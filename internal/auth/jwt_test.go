package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerTokenRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := issuer.GenerateProducerToken("capture-1", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleProducer, claims.Role)
	assert.Equal(t, "capture-1", claims.Subject)
	assert.True(t, claims.AllowsSession("anything"))
}

func TestViewerTokenIsScoped(t *testing.T) {
	issuer, err := NewIssuer("s3cret", 0)
	require.NoError(t, err)

	token, _, err := issuer.GenerateViewerToken("demo")
	require.NoError(t, err)
	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, claims.Role)
	assert.True(t, claims.AllowsSession("demo"))
	assert.False(t, claims.AllowsSession("other"))
}

func TestValidateRejects(t *testing.T) {
	issuer, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer("different", time.Hour)
	require.NoError(t, err)

	token, _, err := other.GenerateProducerToken("x", "")
	require.NoError(t, err)
	_, err = issuer.ValidateToken(token)
	assert.Error(t, err, "wrong secret")

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := issuer.GenerateProducerToken("x", "")
	require.NoError(t, err)
	issuer.now = time.Now
	_, err = issuer.ValidateToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{Role: RoleProducer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.ValidateToken(unsigned)
	assert.Error(t, err, "alg none")

	odd := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{Role: "admin"})
	signed, err := odd.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = issuer.ValidateToken(signed)
	assert.Error(t, err, "unknown role")
}

func TestCheckSecretAndBearer(t *testing.T) {
	issuer, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	assert.True(t, issuer.CheckSecret("s3cret"))
	assert.False(t, issuer.CheckSecret("s3cre"))
	assert.False(t, issuer.CheckSecret(""))

	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))

	_, err = NewIssuer("", time.Hour)
	assert.Error(t, err)
}
