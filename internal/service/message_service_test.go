package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/core"
)

func TestValidateSend(t *testing.T) {
	valid := SendInput{
		ConversationID: "c1",
		SenderID:       "alice",
		Ciphertext:     "AAEC",
	}
	require.NoError(t, validateSend(valid))

	cases := map[string]func(*SendInput){
		"missing conversationId": func(in *SendInput) { in.ConversationID = "" },
		"missing senderId":       func(in *SendInput) { in.SenderID = "" },
		"missing ciphertext":     func(in *SendInput) { in.Ciphertext = "" },
		"oversized ciphertext":   func(in *SendInput) { in.Ciphertext = strings.Repeat("A", maxCiphertextBytes+1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			err := validateSend(in)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.KindValidationFailed))
		})
	}
}
