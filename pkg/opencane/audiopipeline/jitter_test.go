package audiopipeline

import "testing"

func TestJitterBufferFlushesContiguousPrefix(t *testing.T) {
	jb := newJitterBuffer(32)

	if out := jb.push(0, []byte("a")); len(out) != 1 || out[0].seq != 0 {
		t.Fatalf("seq 0 should flush immediately, got %v", out)
	}
	if out := jb.push(2, []byte("c")); len(out) != 0 {
		t.Fatalf("seq 2 arriving before seq 1 should not flush yet, got %v", out)
	}
	out := jb.push(1, []byte("b"))
	if len(out) != 2 || out[0].seq != 1 || out[1].seq != 2 {
		t.Fatalf("expected seq 1 then 2 to flush together, got %v", out)
	}
}

func TestJitterBufferOverflowSkipsMissingSeqs(t *testing.T) {
	jb := newJitterBuffer(3)

	jb.push(0, []byte("a"))
	// seq 1 never arrives; fill the window past capacity with later seqs.
	jb.push(2, []byte("c"))
	jb.push(3, []byte("d"))
	if out := jb.push(4, []byte("e")); len(out) != 0 {
		t.Fatalf("a full window of 3 should not flush yet, got %v", out)
	}
	out := jb.push(5, []byte("f"))

	if len(out) != 4 {
		t.Fatalf("expected the buffered seqs to flush once window exceeded, got %d", len(out))
	}
	if out[0].seq != 2 || out[3].seq != 5 {
		t.Fatalf("expected seqs 2,3,4,5 in order, got %+v", out)
	}
}

func TestJitterBufferLateReportsTrue(t *testing.T) {
	jb := newJitterBuffer(32)
	jb.push(5, []byte("a"))
	if !jb.late(2) {
		t.Fatal("seq 2 arriving after frontier moved to 6 should be late")
	}
	if jb.late(6) {
		t.Fatal("seq 6 is the expected next seq, not late")
	}
}
