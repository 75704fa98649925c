package event

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestEventType_Subject(t *testing.T) {
	cases := map[EventType]string{
		EventTypePositionOpened:    "position_opened",
		EventTypeStaked:            "staked",
		EventTypeRewardDistributed: "reward_distributed",
		EventTypeUnknown:           "unknown",
	}
	for et, want := range cases {
		if got := et.Subject(); got != want {
			t.Errorf("%v.Subject() = %q, want %q", et, got, want)
		}
	}
}

func TestEncode_SnakeCaseFields(t *testing.T) {
	e := &PositionOpened{Account: uuid.New(), Product: 7, IsLong: true, Margin: 1000e8}
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"position_id", "product_id", "is_long", "margin"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if got := e.ProductID(); got == nil || *got != 7 {
		t.Errorf("ProductID() = %v, want 7", got)
	}
}

func TestEncode_EmbeddedProductConfig(t *testing.T) {
	e := &ProductAdded{ProductConfig{ID: 3, Feed: "ETH-USD"}}
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["feed"] != "ETH-USD" {
		t.Errorf("feed = %v, want ETH-USD", m["feed"])
	}
}
