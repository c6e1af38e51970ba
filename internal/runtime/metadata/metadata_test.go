package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{KeyCorrelationID: "order-1"}
	enriched := base.With("tenant", "acme")
	assert.Empty(t, base["tenant"])
	assert.Equal(t, "acme", enriched["tenant"])

	merged := enriched.WithAll(Metadata{"region": "eu"})
	assert.Equal(t, "eu", merged["region"])
	assert.Equal(t, "order-1", merged[KeyCorrelationID])
}

func TestWithoutStripsReservedKeys(t *testing.T) {
	md := New(KeyMessageType, "bookings.CreateBooking", KeySentTime, "x", "tenant", "acme")
	stripped := md.Without(ReservedKeys()...)

	assert.Equal(t, Metadata{"tenant": "acme"}, stripped)
	assert.Len(t, md, 3)
}

func TestNewPairsIgnoresDanglingKey(t *testing.T) {
	md := New("key", "value", "dangling")
	assert.Equal(t, Metadata{"key": "value"}, md)
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(Metadata{"a": "1"})
	assert.Equal(t, message.Metadata{"a": "1"}, wm)
	assert.Equal(t, Metadata{"a": "1"}, FromWatermill(wm))

	assert.NotNil(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
}
