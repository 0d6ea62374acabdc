package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(q *sendQueue) []string {
	var out []string
	for {
		select {
		case frame := <-q.ch:
			out = append(out, string(frame))
		default:
			return out
		}
	}
}

func TestSendQueueDropNew(t *testing.T) {
	q := newSendQueue(2, DropNew)

	assert.True(t, q.push([]byte("a")))
	assert.True(t, q.push([]byte("b")))
	assert.False(t, q.push([]byte("c")), "full queue rejects the newcomer")

	assert.Equal(t, []string{"a", "b"}, drain(q))
}

func TestSendQueueDropOld(t *testing.T) {
	q := newSendQueue(2, DropOld)

	assert.True(t, q.push([]byte("a")))
	assert.True(t, q.push([]byte("b")))
	assert.True(t, q.push([]byte("c")), "full queue evicts the oldest")

	assert.Equal(t, []string{"b", "c"}, drain(q))
}

func TestSendQueueDefaults(t *testing.T) {
	q := newSendQueue(0, "")
	assert.Equal(t, 100, cap(q.ch))
	assert.Equal(t, DropNew, q.policy)
}

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{
		V:    1,
		ID:   "e1",
		Type: "msg",
		Payload: Payload{
			Seq: 3,
			Data: Data{
				MessageID:      "m1",
				ConversationID: "c1",
				Ciphertext:     "AAEC",
			},
		},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Envelope){
		"messageId":      func(e *Envelope) { e.Payload.Data.MessageID = "" },
		"conversationId": func(e *Envelope) { e.Payload.Data.ConversationID = "" },
		"ciphertext":     func(e *Envelope) { e.Payload.Data.Ciphertext = "" },
	}
	for field, mutate := range cases {
		env := valid
		mutate(&env)
		err := env.Validate()
		require.Error(t, err, field)
		assert.ErrorIs(t, err, ErrPermanent, field)
	}
}

func TestEnvelopeMarshalStampsSize(t *testing.T) {
	env := Envelope{
		V:    1,
		ID:   "e1",
		Type: "msg",
		Payload: Payload{
			Data: Data{MessageID: "m1", ConversationID: "c1", Ciphertext: "AAEC"},
		},
	}

	frame, err := env.Marshal()
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.NotZero(t, decoded.Size)
	assert.Equal(t, "m1", decoded.Payload.Data.MessageID)
}
