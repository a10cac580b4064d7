package reqctx

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/txbridge/core/schema"
)

func TestIsAuthPath(t *testing.T) {
	require.True(t, IsAuthPath(InternalVersionID, "/auth/callback"))
	require.False(t, IsAuthPath(InternalVersionID, "/api/users"))
	require.False(t, IsAuthPath("dev", "/auth/callback"))
	require.False(t, IsAuthPath("", ""))
}

func TestNewCopiesMetadata(t *testing.T) {
	user := "ada"
	md := Metadata{
		VersionID:   "dev",
		Path:        "/dev/posts",
		RoutingPath: "/posts",
		Headers:     [][2]string{{"X-Trace", "abc"}},
		UserID:      &user,
	}
	ts := schema.NewTypeSystem()
	c := New(nil, ts, md)
	user = "mallory"

	require.Same(t, ts, c.Types)
	require.Equal(t, "ada", *c.UserID)
	require.Equal(t, "abc", c.Headers["x-trace"])
	require.False(t, c.IsAuthPath())

	vars := c.PolicyVars()
	require.Equal(t, "ada", vars["user_id"])
	require.Equal(t, "/posts", vars["routing_path"])
}

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier("s3cret")
	tok := signed(t, "s3cret", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()})

	md, err := v.Identify(Metadata{Headers: [][2]string{{"Authorization", "Bearer " + tok}}})
	require.NoError(t, err)
	require.NotNil(t, md.UserID)
	require.Equal(t, "user-42", *md.UserID)

	forged := signed(t, "other", jwt.MapClaims{"sub": "user-42"})
	_, err = v.Identify(Metadata{Headers: [][2]string{{"authorization", "Bearer " + forged}}})
	require.ErrorIs(t, err, ErrInvalidToken)

	md, err = v.Identify(Metadata{})
	require.NoError(t, err)
	require.Nil(t, md.UserID, "anonymous callers stay anonymous")

	md, err = NewTokenVerifier("").Identify(Metadata{})
	require.NoError(t, err)
	require.Nil(t, md.UserID)
}

func TestTokenVerifierRejectsClaimedUser(t *testing.T) {
	v := NewTokenVerifier("s3cret")
	alice := signed(t, "s3cret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	bob := "bob"

	_, err := v.Identify(Metadata{UserID: &bob, Headers: [][2]string{{"Authorization", "Bearer " + alice}}})
	require.ErrorIs(t, err, ErrInvalidToken, "user id must match the token subject")

	_, err = v.Identify(Metadata{UserID: &bob})
	require.ErrorIs(t, err, ErrInvalidToken, "user id needs a token")

	_, err = v.Identify(Metadata{UserID: &bob, Headers: [][2]string{{"Authorization", "Bearer junk"}}})
	require.ErrorIs(t, err, ErrInvalidToken)

	same := "alice"
	md, err := v.Identify(Metadata{UserID: &same, Headers: [][2]string{{"Authorization", "Bearer " + alice}}})
	require.NoError(t, err)
	require.Equal(t, "alice", *md.UserID)

	md, err = NewTokenVerifier("").Identify(Metadata{UserID: &bob})
	require.NoError(t, err, "without a secret the caller's user id is trusted")
	require.Equal(t, "bob", *md.UserID)
}
