package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Inbound
	}{
		{"subscribe", `{"type":"subscribe","roomId":7}`, Subscribe{RoomID: 7}},
		{"unsubscribe", `{"type":"unsubscribe","roomId":7}`, Unsubscribe{RoomID: 7}},
		{"case insensitive type", `{"type":"SUBSCRIBE","roomId":3}`, Subscribe{RoomID: 3}},
		{"string room id", `{"type":"subscribe","roomId":"42"}`, Subscribe{RoomID: 42}},
		{
			"chat",
			`{"type":"chat","roomId":100,"senderId":1,"message":"hi"}`,
			Chat{RoomID: 100, SenderID: 1, Message: "hi"},
		},
		{
			"chat with empty message",
			`{"type":"chat","roomId":100,"senderId":1,"message":""}`,
			Chat{RoomID: 100, SenderID: 1, Message: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestParseInboundRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"invalid json", `{not json`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"unknown type", `{"type":"dance","roomId":1}`, ErrUnknownKind},
		{"missing type", `{"roomId":1}`, ErrUnknownKind},
		{"subscribe without room", `{"type":"subscribe"}`, ErrMissingField},
		{"subscribe with null room", `{"type":"subscribe","roomId":null}`, ErrMissingField},
		{"subscribe with bad room", `{"type":"subscribe","roomId":"abc"}`, ErrMissingField},
		{"unsubscribe without room", `{"type":"unsubscribe"}`, ErrMissingField},
		{"chat without room", `{"type":"chat","senderId":1,"message":"hi"}`, ErrMissingField},
		{"chat without sender", `{"type":"chat","roomId":1,"message":"hi"}`, ErrMissingField},
		{"chat without message", `{"type":"chat","roomId":1,"senderId":1}`, ErrMissingField},
		{"chat with null message", `{"type":"chat","roomId":1,"senderId":1,"message":null}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.in))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBroadcastMarshal(t *testing.T) {
	payload, err := Broadcast{RoomID: 100, SenderID: 1, NickName: "alice", Message: "hi"}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomId":100,"senderId":1,"nickName":"alice","message":"hi"}`, string(payload))
}

func TestRoomIDOf(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   int64
		wantOK bool
	}{
		{"numeric", `{"roomId":100,"message":"hi"}`, 100, true},
		{"negative", `{"roomId":-3}`, -3, true},
		{"string room id", `{"roomId":"100"}`, 0, false},
		{"missing", `{"message":"hi"}`, 0, false},
		{"null", `{"roomId":null}`, 0, false},
		{"fraction", `{"roomId":1.5}`, 0, false},
		{"not json", `garbage`, 0, false},
		{"not an object", `[100]`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RoomIDOf([]byte(tt.in))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
