package agent

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// MessageID derives the deterministic identity of the ordinal-th message in
// a task's history:
//
//	"msg:" + hex(SHA256("HMSG1" || taskID || 0x00 || role || ordinal_be32))
//
// Identical replayed inputs produce identical IDs, which is what makes
// transcripts comparable across runs.
func MessageID(taskID, role string, ordinal uint32) string {
	h := sha256.New()
	h.Write([]byte("HMSG1"))
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(role))
	var ord [4]byte
	binary.BigEndian.PutUint32(ord[:], ordinal)
	h.Write(ord[:])
	return "msg:" + hex.EncodeToString(h.Sum(nil))
}

// interruptID derives a deterministic interrupt identity from the task and
// the history length at the pause point.
func interruptID(taskID string, ordinal int) string {
	h := sha256.New()
	h.Write([]byte("HINT1"))
	h.Write([]byte(taskID))
	var ord [4]byte
	binary.BigEndian.PutUint32(ord[:], uint32(ordinal))
	h.Write(ord[:])
	return "intr:" + hex.EncodeToString(h.Sum(nil))[:32]
}
