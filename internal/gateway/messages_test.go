package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/pkg/models"
)

func TestValidateChatFrame(t *testing.T) {
	msg, err := ValidateFrame([]byte(`{"type":"chat","content":"hi","session_id":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChat, msg.Type)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "s1", msg.SessionID)
}

func TestValidateRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"missing type", `{"content":"hi"}`},
		{"empty type", `{"type":""}`},
		{"chat without content", `{"type":"chat"}`},
		{"chat with empty content", `{"type":"chat","content":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateFrame([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestUnknownFieldsTolerated(t *testing.T) {
	msg, err := ValidateFrame([]byte(`{"type":"chat","content":"hi","future_field":true}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
}

func TestRequestIDExtraction(t *testing.T) {
	msg, err := ValidateFrame([]byte(`{"type":"session_command","method":"list","params":{"request_id":"r42"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r42", msg.RequestID())

	// Non-command frames never carry a request id.
	chat, err := ValidateFrame([]byte(`{"type":"chat","content":"hi","params":{"request_id":"r1"}}`))
	require.NoError(t, err)
	assert.Empty(t, chat.RequestID())
}

func TestServerMessageRoundTrip(t *testing.T) {
	frames := []ServerMessage{
		ConnectionReady(),
		Ping(),
		Pong(),
		Status("generating", "detail"),
		ErrorMessage("boom", "internal"),
		Stream("tok"),
		ChatComplete(1, 2, "answer", []models.Artifact{{ID: "a1", OperationID: "op1", Kind: models.ArtifactFile}}, "thoughts"),
	}
	for _, frame := range frames {
		data, err := json.Marshal(frame)
		require.NoError(t, err)
		var decoded ServerMessage
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, frame, decoded)
	}
}

func TestDataFrameCarriesRequestID(t *testing.T) {
	frame, err := Data(map[string]any{"answer": 42}, "r9")
	require.NoError(t, err)
	assert.Equal(t, "data", frame.Type)
	assert.Equal(t, "r9", frame.RequestID)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	var decoded struct {
		Type      string         `json:"type"`
		RequestID string         `json:"request_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "r9", decoded.RequestID)
	assert.Equal(t, float64(42), decoded.Data["answer"])
}

func TestChatCompleteAlwaysCarriesArtifactsArray(t *testing.T) {
	frame := ChatComplete(1, 2, "x", nil, "")
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"artifacts":[]`)
}

func TestClientMessageRoundTrip(t *testing.T) {
	original := ClientMessage{
		Type:      TypeChat,
		Content:   "write a parser",
		ProjectID: "p1",
		SessionID: "s1",
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	var decoded ClientMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}
