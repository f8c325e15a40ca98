package core

import (
	"testing"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

func TestHoldBackAppendAndRemove(t *testing.T) {
	h := NewHoldBack()
	p1 := types.JsonPacket{Vector: types.Vector{ProcessID: 6001, Index: map[int]int64{6001: 1}}}
	p2 := types.JsonPacket{Vector: types.Vector{ProcessID: 6001, Index: map[int]int64{6001: 2}}}

	h.Append(p1)
	h.Append(p2)
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}

	h.Remove(p1)
	if h.Len() != 1 {
		t.Fatalf("Len() after remove = %d, want 1", h.Len())
	}

	remaining := h.Snapshot()
	if len(remaining) != 1 || remaining[0].Vector.Index[6001] != 2 {
		t.Errorf("unexpected remaining snapshot: %#v", remaining)
	}
}

func TestHoldBackRemoveMissingIsNoop(t *testing.T) {
	h := NewHoldBack()
	h.Append(types.JsonPacket{Vector: types.Vector{ProcessID: 6001, Index: map[int]int64{6001: 1}}})

	h.Remove(types.JsonPacket{Vector: types.Vector{ProcessID: 6099, Index: map[int]int64{6099: 1}}})
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after removing a non-member", h.Len())
	}
}
