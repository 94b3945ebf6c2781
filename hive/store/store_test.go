package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func sampleCheckpoint(threadID, id string, step int) *Checkpoint {
	return &Checkpoint{
		ThreadID:     threadID,
		RunID:        "run-1",
		ID:           id,
		StepIndex:    step,
		GraphVersion: "g-v1",
		CreatedAt:    time.Unix(0, 1700000000000000000).UTC(),
		Channels: []ChannelPayload{
			{ChannelID: "current", CodecID: "json:string", Payload: []byte(`"hello"`)},
			{ChannelID: "metadata", CodecID: "json:dict", Payload: []byte(`{"k":1}`)},
		},
	}
}

func TestCheckpoint_BinaryRoundTrip(t *testing.T) {
	cp := sampleCheckpoint("thread-1", "cp-1", 3)

	data, err := cp.EncodeBinary()
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}
	if string(data[:5]) != "HCKP1" {
		t.Errorf("expected HCKP1 magic, got %q", data[:5])
	}

	back, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary failed: %v", err)
	}
	if back.ThreadID != cp.ThreadID || back.RunID != cp.RunID || back.ID != cp.ID {
		t.Errorf("identity mismatch: %+v", back)
	}
	if back.StepIndex != 3 || back.GraphVersion != "g-v1" {
		t.Errorf("header mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(cp.CreatedAt) {
		t.Errorf("createdAt mismatch: %v != %v", back.CreatedAt, cp.CreatedAt)
	}
	if len(back.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(back.Channels))
	}

	// Re-encoding the decoded checkpoint must be byte-identical.
	data2, err := back.EncodeBinary()
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(data, data2) {
		t.Error("round-trip encoding is not byte-stable")
	}
}

func TestCheckpoint_CanonicalChannelOrder(t *testing.T) {
	a := sampleCheckpoint("t", "cp", 0)
	b := sampleCheckpoint("t", "cp", 0)
	// Reverse channel order in b; the canonical encoding must not care.
	b.Channels[0], b.Channels[1] = b.Channels[1], b.Channels[0]

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("hashes differ for reordered channels: %s vs %s", ha, hb)
	}
}

func TestDecodeBinary_Corruption(t *testing.T) {
	cp := sampleCheckpoint("t", "cp", 0)
	data, err := cp.EncodeBinary()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte{}, data...)
		bad[0] = 'X'
		if _, err := DecodeBinary(bad); err == nil {
			t.Error("expected error for bad magic")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeBinary(data[:len(data)/2]); err == nil {
			t.Error("expected error for truncated record")
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		if _, err := DecodeBinary(append(append([]byte{}, data...), 0xFF)); err == nil {
			t.Error("expected error for trailing bytes")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("load latest returns newest save", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.Save(ctx, sampleCheckpoint("t1", "cp-1", 0)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.Save(ctx, sampleCheckpoint("t1", "cp-2", 1)); err != nil {
			t.Fatalf("save: %v", err)
		}

		cp, err := s.LoadLatest(ctx, "t1")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if cp.ID != "cp-2" || cp.StepIndex != 1 {
			t.Errorf("expected cp-2@1, got %s@%d", cp.ID, cp.StepIndex)
		}
	})

	t.Run("unknown thread yields ErrNotFound", func(t *testing.T) {
		s := NewMemoryStore()
		if _, err := s.LoadLatest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		s := NewMemoryStore()
		for i := 0; i < 3; i++ {
			cp := sampleCheckpoint("t1", "cp-"+string(rune('a'+i)), i)
			if err := s.Save(ctx, cp); err != nil {
				t.Fatalf("save: %v", err)
			}
		}
		summaries, err := s.ListCheckpoints(ctx, "t1", 2)
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(summaries) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(summaries))
		}
		if summaries[0].ID != "cp-c" || summaries[1].ID != "cp-b" {
			t.Errorf("expected [cp-c cp-b], got [%s %s]", summaries[0].ID, summaries[1].ID)
		}
	})

	t.Run("load by checkpoint ID", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.Save(ctx, sampleCheckpoint("t1", "cp-x", 5)); err != nil {
			t.Fatalf("save: %v", err)
		}
		cp, err := s.LoadCheckpoint(ctx, "t1", "cp-x")
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		if cp.StepIndex != 5 {
			t.Errorf("expected step 5, got %d", cp.StepIndex)
		}
		if _, err := s.LoadCheckpoint(ctx, "t1", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Save(ctx, sampleCheckpoint("t1", "cp-1", 0)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, sampleCheckpoint("t1", "cp-2", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}

	cp, err := s.LoadLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if cp.ID != "cp-2" {
		t.Errorf("expected cp-2, got %s", cp.ID)
	}
	if len(cp.Channels) != 2 {
		t.Errorf("expected 2 channels, got %d", len(cp.Channels))
	}

	summaries, err := s.ListCheckpoints(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != "cp-2" {
		t.Errorf("unexpected summaries: %+v", summaries)
	}

	if _, err := s.LoadLatest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := s.LoadCheckpoint(ctx, "t1", "cp-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.StepIndex != 0 {
		t.Errorf("expected step 0, got %d", got.StepIndex)
	}
}
