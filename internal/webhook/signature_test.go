package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)

	sig := SignBody(body, "s3cret")
	assert.True(t, VerifySignature(body, sig, "s3cret"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)

	sig := SignBody(body, "s3cret")
	assert.False(t, VerifySignature(body, sig, "other"))
}

func TestVerifyRejectsMissingPrefix(t *testing.T) {
	body := []byte(`{}`)

	assert.False(t, VerifySignature(body, "deadbeef", "s3cret"))
	assert.False(t, VerifySignature(body, "", "s3cret"))
}

func TestVerifyIsByteExact(t *testing.T) {
	signed := []byte(`{"a": 1}`)
	reserialized := []byte(`{"a":1}`)

	sig := SignBody(signed, "s3cret")
	assert.False(t, VerifySignature(reserialized, sig, "s3cret"))
}
