package game

import (
	"sync"
	"testing"
	"time"
)

func TestEncodeDecode_Position(t *testing.T) {
	in := &Message{
		Type:      TypePositionUpdate,
		PlayerID:  "p1",
		Timestamp: 1700000000123,
		Sequence:  7,
		Position:  &Position{X: 12.5, Y: -3, Rotation: 1.57},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Type != in.Type || out.Sequence != 7 || out.Position == nil || *out.Position != *in.Position {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if !out.Time().Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("Time=%v", out.Time())
	}
}

func TestWithData(t *testing.T) {
	type shot struct {
		Angle float64 `msgpack:"angle"`
	}
	msg, err := Message{Type: TypePlayerAction, Action: "fire"}.WithData(shot{Angle: 0.5})
	if err != nil {
		t.Fatalf("WithData: %v", err)
	}
	data, _ := Encode(&msg)
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var s shot
	if err := out.DecodeData(&s); err != nil || s.Angle != 0.5 {
		t.Fatalf("DecodeData=%+v, %v", s, err)
	}
	if out.Action != "fire" {
		t.Fatalf("Action=%q", out.Action)
	}
}

func TestDecode_Rejects(t *testing.T) {
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := Encode(&Message{}); err == nil {
		t.Fatalf("empty type encoded")
	}
	var m Message
	if err := m.DecodeData(&struct{}{}); err == nil {
		t.Fatalf("DecodeData on empty data succeeded")
	}
}

func TestControlTypes(t *testing.T) {
	if !TypeHeartbeat.Control() || !TypeHeartbeatAck.Control() {
		t.Fatalf("heartbeat types must be control")
	}
	if TypePositionUpdate.Control() || TypePlayerAction.Control() {
		t.Fatalf("gameplay types must not be control")
	}
}

func TestSequencer_MonotonicUnderConcurrency(t *testing.T) {
	fixed := time.UnixMilli(42)
	s := NewSequencer("me", func() time.Time { return fixed })

	const n = 200
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var m Message
			s.Stamp(&m)
			if m.PlayerID != "me" || m.Timestamp != 42 {
				t.Errorf("stamp=%+v", m)
			}
			seen <- m.Sequence
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for seq := range seen {
		if seq == 0 || seq > n || unique[seq] {
			t.Fatalf("bad or duplicate sequence %d", seq)
		}
		unique[seq] = true
	}
	if s.Last() != n {
		t.Fatalf("Last=%d, want %d", s.Last(), n)
	}
}
