package main

import (
	"strings"
	"testing"

	"github.com/paysettle/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestSecretProblems(t *testing.T) {
	strong := strings.Repeat("k", 40)

	cfg := &config.Config{}
	cfg.JWT.SecretKey = strong
	cfg.Gateway.WebhookSecret = "whsec_0123456789abcdef"
	assert.Empty(t, secretProblems(cfg))

	cfg.JWT.SecretKey = "please-change-me-" + strong
	cfg.Gateway.WebhookSecret = ""
	problems := secretProblems(cfg)
	assert.Len(t, problems, 2)
	assert.Contains(t, problems[0], "jwt.secret_key")
	assert.Contains(t, problems[1], "webhook_secret is empty")

	cfg.JWT.SecretKey = strong
	cfg.Gateway.WebhookSecret = "short"
	assert.Equal(t, []string{"gateway.webhook_secret is shorter than 16 bytes"}, secretProblems(cfg))
}

func TestIsWeakSecret(t *testing.T) {
	assert.True(t, isWeakSecret("tiny"))
	assert.True(t, isWeakSecret("YOUR-SECRET-KEY-"+strings.Repeat("x", 32)))
	assert.False(t, isWeakSecret(strings.Repeat("a1", 20)))
}
