package auth

import (
	"testing"
	"time"

	"agrichat/domain"
	apperrors "agrichat/errors"

	"github.com/stretchr/testify/require"
)

const testSecret = "e2e-test-secret"

func TestVerifier_Accepts_A_Valid_Token(t *testing.T) {
	req := require.New(t)
	identity := domain.Identity{UserID: "alice", DisplayName: "Alice"}

	token, err := GenerateToken(identity, testSecret, time.Hour)
	req.NoError(err)

	verified, err := NewVerifier(testSecret).Verify(token)

	req.NoError(err)
	req.Equal(identity, verified)
}

func TestVerifier_Rejects_An_Empty_Token(t *testing.T) {
	req := require.New(t)

	_, err := NewVerifier(testSecret).Verify("")

	req.ErrorIs(err, apperrors.ErrAuth)
}

func TestVerifier_Rejects_A_Token_Signed_With_Another_Secret(t *testing.T) {
	req := require.New(t)
	identity := domain.Identity{UserID: "alice", DisplayName: "Alice"}

	token, err := GenerateToken(identity, "some-other-secret", time.Hour)
	req.NoError(err)

	_, err = NewVerifier(testSecret).Verify(token)

	req.ErrorIs(err, apperrors.ErrAuth)
}

func TestVerifier_Rejects_An_Expired_Token(t *testing.T) {
	req := require.New(t)
	identity := domain.Identity{UserID: "alice", DisplayName: "Alice"}

	token, err := GenerateToken(identity, testSecret, -time.Minute)
	req.NoError(err)

	_, err = NewVerifier(testSecret).Verify(token)

	req.ErrorIs(err, apperrors.ErrAuth)
}

func TestVerifier_Rejects_Garbage(t *testing.T) {
	req := require.New(t)

	_, err := NewVerifier(testSecret).Verify("not.a.jwt")

	req.ErrorIs(err, apperrors.ErrAuth)
}
