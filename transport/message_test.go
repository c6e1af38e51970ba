package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transit/internal/runtime/metadata"
)

func sampleMessage() *Message {
	return &Message{
		MessageID:          "01HZX",
		MessageType:        "bookings.CreateBooking",
		CorrelationID:      "order-42",
		ConversationID:     "conv-1",
		SourceAddress:      "mem://local/orders",
		DestinationAddress: "mem://local/bookings",
		ResponseAddress:    "mem://local/orders/responses/abc",
		ContentType:        "application/json",
		SentTime:           time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC),
		Headers:            metadata.Metadata{"tenant": "acme"},
		Body:               []byte(`{"booking":"b-1"}`),
	}
}

func TestMessageWatermillRoundTrip(t *testing.T) {
	in := sampleMessage()

	wm := in.ToWatermill()
	assert.Equal(t, "01HZX", wm.UUID)
	assert.Equal(t, "order-42", wm.Metadata.Get(metadata.KeyCorrelationID))
	assert.Equal(t, "acme", wm.Metadata.Get("tenant"))

	out := FromWatermill(wm)
	require.NotNil(t, out)
	assert.Equal(t, in, out)
}

func TestMessageWatermillOmitsEmptyFields(t *testing.T) {
	wm := (&Message{MessageID: "id", Body: []byte("x")}).ToWatermill()
	assert.Empty(t, wm.Metadata)

	out := FromWatermill(wm)
	assert.True(t, out.SentTime.IsZero())
	assert.Empty(t, out.Headers)
}

func TestMessageCloneIsDeep(t *testing.T) {
	in := sampleMessage()
	clone := in.Clone()
	clone.Headers["tenant"] = "other"
	clone.Body[0] = '['

	assert.Equal(t, "acme", in.Headers["tenant"])
	assert.Equal(t, byte('{'), in.Body[0])

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
}
