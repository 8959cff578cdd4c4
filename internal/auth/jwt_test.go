package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("learner_1", "tenant_1", "", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "learner_1", claims.LearnerID())
	assert.Equal(t, "tenant_1", claims.TenantID)
}

func TestParseRejectsWrongSecretAndExpired(t *testing.T) {
	tok, err := SignJWT("learner_1", "tenant_1", "", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "other")
	assert.Error(t, err)

	expired, err := SignJWT("learner_1", "tenant_1", "", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	assert.Error(t, err)
}

func TestParseRequiresTenant(t *testing.T) {
	tok, err := SignJWT("learner_1", "", "", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "secret")
	assert.Error(t, err)
}
