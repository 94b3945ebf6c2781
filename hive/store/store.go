// Package store provides checkpoint persistence for threads.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// checkpointMagic is the binary format magic; the trailing digit is the
// format version.
const checkpointMagic = "HCKP1"

// SchemaVersion tags the checkpoint record schema.
const SchemaVersion = 1

// ChannelPayload is one checkpointed channel's encoded value.
type ChannelPayload struct {
	// ChannelID names the channel.
	ChannelID string

	// CodecID identifies the codec that produced Payload, so a decoder
	// can refuse payloads written by an incompatible codec.
	CodecID string

	// Payload is the channel value in the codec's canonical byte form.
	Payload []byte
}

// Checkpoint is a durable snapshot of a thread's checkpointed channels at a
// superstep boundary. It is the unit of resume: restoring a checkpoint and
// re-running the scheduler reproduces the run from that boundary.
type Checkpoint struct {
	// ThreadID identifies the orchestration instance.
	ThreadID string

	// RunID identifies the run that produced this checkpoint.
	RunID string

	// ID is the unique checkpoint identifier.
	ID string

	// StepIndex is the superstep index at which the snapshot was taken.
	StepIndex int

	// GraphVersion tags the compiled graph the snapshot belongs to.
	// Restoring into a graph with a different version is rejected.
	GraphVersion string

	// CreatedAt records when the checkpoint was written. Metadata only;
	// it never influences scheduling.
	CreatedAt time.Time

	// Channels holds the encoded payload for every checkpointed channel.
	Channels []ChannelPayload
}

// Summary is a lightweight view of a stored checkpoint, returned by
// queryable stores when listing history.
type Summary struct {
	ID           string
	RunID        string
	StepIndex    int
	GraphVersion string
	CreatedAt    time.Time
	SizeBytes    int
}

// Store persists checkpoints. Implementations must serialize writes per
// (threadID, runID) pair; concurrent saves for distinct threads may proceed
// in parallel.
type Store interface {
	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// LoadLatest returns the most recent checkpoint for the thread,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)
}

// QueryableStore extends Store with history access. Stores that cannot
// enumerate history implement only Store.
type QueryableStore interface {
	Store

	// ListCheckpoints returns up to limit summaries for the thread,
	// newest first. limit <= 0 means no limit.
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]Summary, error)

	// LoadCheckpoint returns a specific checkpoint, or ErrNotFound.
	LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
}

// EncodeBinary serializes the checkpoint into the canonical binary record:
//
//	magic "HCKP1"
//	u16  schemaVersion
//	str  graphVersion        (u32 length + bytes, little-endian)
//	str  threadID
//	str  runID
//	str  checkpointID
//	u32  stepIndex
//	i64  createdAt (unix nanoseconds)
//	u32  channel count
//	per channel: str channelID, str codecID, str payload
//
// All integers are little-endian fixed-width. Channels are written sorted
// by channel ID, so identical checkpoints always produce identical bytes.
func (c *Checkpoint) EncodeBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(checkpointMagic)

	writeU16(&buf, uint16(SchemaVersion))
	if err := writeStr(&buf, c.GraphVersion); err != nil {
		return nil, err
	}
	if err := writeStr(&buf, c.ThreadID); err != nil {
		return nil, err
	}
	if err := writeStr(&buf, c.RunID); err != nil {
		return nil, err
	}
	if err := writeStr(&buf, c.ID); err != nil {
		return nil, err
	}
	if c.StepIndex < 0 {
		return nil, fmt.Errorf("store: negative step index %d", c.StepIndex)
	}
	writeU32(&buf, uint32(c.StepIndex))
	writeI64(&buf, c.CreatedAt.UnixNano())

	channels := make([]ChannelPayload, len(c.Channels))
	copy(channels, c.Channels)
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].ChannelID < channels[j].ChannelID
	})

	writeU32(&buf, uint32(len(channels)))
	for _, ch := range channels {
		if err := writeStr(&buf, ch.ChannelID); err != nil {
			return nil, err
		}
		if err := writeStr(&buf, ch.CodecID); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, ch.Payload); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeBinary parses a record produced by EncodeBinary.
func DecodeBinary(data []byte) (*Checkpoint, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, len(checkpointMagic))
	if _, err := fullRead(r, magic); err != nil {
		return nil, fmt.Errorf("store: truncated checkpoint header: %w", err)
	}
	if string(magic) != checkpointMagic {
		return nil, fmt.Errorf("store: bad checkpoint magic %q", magic)
	}

	schemaVersion, err := readU16(r)
	if err != nil {
		return nil, err
	}
	if schemaVersion != SchemaVersion {
		return nil, fmt.Errorf("store: unsupported checkpoint schema version %d", schemaVersion)
	}

	cp := &Checkpoint{}
	if cp.GraphVersion, err = readStr(r); err != nil {
		return nil, err
	}
	if cp.ThreadID, err = readStr(r); err != nil {
		return nil, err
	}
	if cp.RunID, err = readStr(r); err != nil {
		return nil, err
	}
	if cp.ID, err = readStr(r); err != nil {
		return nil, err
	}
	stepIndex, err := readU32(r)
	if err != nil {
		return nil, err
	}
	cp.StepIndex = int(stepIndex)
	createdAt, err := readI64(r)
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()

	count, err := readU32(r)
	if err != nil {
		return nil, err
	}
	cp.Channels = make([]ChannelPayload, 0, count)
	for i := uint32(0); i < count; i++ {
		var ch ChannelPayload
		if ch.ChannelID, err = readStr(r); err != nil {
			return nil, err
		}
		if ch.CodecID, err = readStr(r); err != nil {
			return nil, err
		}
		if ch.Payload, err = readBytes(r); err != nil {
			return nil, err
		}
		cp.Channels = append(cp.Channels, ch)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("store: %d trailing bytes after checkpoint record", r.Len())
	}
	return cp, nil
}

// Hash returns "sha256:" + hex digest over the canonical serialization.
// Used by determinism tests to compare checkpoints across runs.
func (c *Checkpoint) Hash() (string, error) {
	data, err := c.EncodeBinary()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeStr(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > int(^uint32(0)) {
		return fmt.Errorf("store: field too large: %d bytes", len(b))
	}
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
	return nil
}

func fullRead(r *bytes.Reader, out []byte) (int, error) {
	n := 0
	for n < len(out) {
		m, err := r.Read(out[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := fullRead(r, b[:]); err != nil {
		return 0, fmt.Errorf("store: truncated u16: %w", err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := fullRead(r, b[:]); err != nil {
		return 0, fmt.Errorf("store: truncated u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := fullRead(r, b[:]); err != nil {
		return 0, fmt.Errorf("store: truncated i64: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readStr(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("store: field length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := fullRead(r, b); err != nil {
		return nil, fmt.Errorf("store: truncated field: %w", err)
	}
	return b, nil
}
