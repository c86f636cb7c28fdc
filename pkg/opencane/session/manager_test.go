package session

import (
	"context"
	"testing"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
)

func makeAck(seq uint64) envelope.Envelope {
	env, _ := envelope.New("dev-001", "s1", envelope.TypeAck, envelope.AckPayload{AckSeq: seq})
	env.Seq = seq
	return env
}

func TestGetOrCreateAutoCreatesDefaultSession(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "dev-001", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.SessionID != "dev-001-default" {
		t.Fatalf("SessionID = %q, want dev-001-default", s.SessionID)
	}

	again, err := m.GetOrCreate(ctx, "dev-001", "")
	if err != nil {
		t.Fatalf("GetOrCreate second call: %v", err)
	}
	if again != s {
		t.Fatal("expected the same session instance to be reused")
	}
}

func TestCheckAndCommitSeqMonotonic(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "dev-001", "s1")

	cases := []struct {
		seq  uint64
		want SeqDecision
	}{
		{1, SeqNew},
		{2, SeqNew},
		{2, SeqDuplicate},
		{1, SeqDuplicate},
		{5, SeqNew}, // gap: classified New per spec §4.4, no re-request
		{5, SeqDuplicate},
	}
	for _, c := range cases {
		got := m.CheckAndCommitSeq(ctx, s, c.seq)
		if got != c.want {
			t.Fatalf("CheckAndCommitSeq(%d) = %v, want %v", c.seq, got, c.want)
		}
	}
	if s.LastRecvSeq() != 5 {
		t.Fatalf("LastRecvSeq = %d, want 5", s.LastRecvSeq())
	}
}

func TestNextOutboundSeqStrictlyIncreasing(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "dev-001", "s1")

	var prev uint64
	for i := 0; i < 100; i++ {
		next := m.NextOutboundSeq(ctx, s)
		if next <= prev {
			t.Fatalf("seq %d not strictly greater than previous %d", next, prev)
		}
		prev = next
	}
}

func TestReplayWindowFiltersByLastRecvSeq(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "dev-001", "s1")

	for i := uint64(1); i <= 5; i++ {
		seq := m.NextOutboundSeq(ctx, s)
		m.RecordCommand(s, seq, makeAck(seq))
	}

	replay := s.ReplayFrom(2)
	if len(replay) != 3 {
		t.Fatalf("ReplayFrom(2) returned %d entries, want 3", len(replay))
	}
}

func TestAckForReturnsRecordedEnvelope(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "dev-001", "s1")

	if _, ok := s.AckFor(3); ok {
		t.Fatal("expected no ack recorded yet")
	}

	ack := makeAck(7)
	s.RecordAck(3, ack)
	got, ok := s.AckFor(3)
	if !ok {
		t.Fatal("expected AckFor to find the recorded ack")
	}
	if got.Seq != ack.Seq {
		t.Fatalf("AckFor returned seq %d, want %d", got.Seq, ack.Seq)
	}
}
