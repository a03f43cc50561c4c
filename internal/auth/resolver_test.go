package auth

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	vperrors "github.com/voiceping/router/pkg/errors"
)

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func looseToken(t *testing.T, payload []byte) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

func TestResolveVerified(t *testing.T) {
	r := NewResolver("top-secret", true)

	token := signedToken(t, "top-secret", jwt.MapClaims{"uid": "alice", "role": "dashboard"})
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "alice", id.UserID)
	require.Equal(t, RoleDashboard, id.Role)
}

func TestResolveVerifiedRejectsBadSignature(t *testing.T) {
	r := NewResolver("top-secret", true)

	token := signedToken(t, "wrong-secret", jwt.MapClaims{"uid": "alice"})
	_, err := r.Resolve(context.Background(), token)
	require.ErrorIs(t, err, vperrors.ErrUnauthorized)
}

func TestResolveVerifiedRejectsEmptyToken(t *testing.T) {
	r := NewResolver("top-secret", true)
	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, vperrors.ErrUnauthorized)
}

func TestResolveLooseClaimVariants(t *testing.T) {
	r := NewResolver("", false)

	cases := map[string]string{
		`{"uid":"u-1"}`:                        "u-1",
		`{"user_id":"u-2"}`:                    "u-2",
		`{"userId":"u-3"}`:                     "u-3",
		`{"sub":"u-4"}`:                        "u-4",
		`{"id":"u-5"}`:                         "u-5",
		`{"TELENET_userId":"TELENET_81*0011"}`: "TELENET_81*0011",
	}
	for payload, want := range cases {
		id, err := r.Resolve(context.Background(), looseToken(t, []byte(payload)))
		require.NoError(t, err)
		require.Equal(t, want, id.UserID, payload)
		require.Equal(t, RoleMobile, id.Role)
	}
}

func TestResolveLooseClaimPrecedence(t *testing.T) {
	r := NewResolver("", false)

	token := looseToken(t, []byte(`{"sub":"second","uid":"first"}`))
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "first", id.UserID)
}

func TestResolveLooseBareStringPayload(t *testing.T) {
	r := NewResolver("", false)

	token := looseToken(t, []byte(`"just-a-user"`))
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "just-a-user", id.UserID)
}

func TestResolveLooseFallsBackToRawToken(t *testing.T) {
	r := NewResolver("", false)

	// Not a three-segment token at all.
	id, err := r.Resolve(context.Background(), "opaque-token")
	require.NoError(t, err)
	require.Equal(t, "opaque-token", id.UserID)

	// Three segments, but the payload is not decodable.
	id, err = r.Resolve(context.Background(), "a.!!!.c")
	require.NoError(t, err)
	require.Equal(t, "a.!!!.c", id.UserID)

	// Decodable payload without any known claim.
	token := looseToken(t, []byte(`{"name":"alice"}`))
	id, err = r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, token, id.UserID)
}

func TestResolveLooseUnknownRole(t *testing.T) {
	r := NewResolver("", false)

	token := looseToken(t, []byte(`{"uid":"alice","role":"superuser"}`))
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, RoleMobile, id.Role)
}
