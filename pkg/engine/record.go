// Package engine is the narrow surface the rest of the workflow engine
// consumes from the dispatcher core: writing workflow records to the stream
// (including process deployments) and observing committed records in commit
// order.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RecordKind classifies a workflow record.
type RecordKind uint8

const (
	KindDeployment RecordKind = iota + 1
	KindWorkflowInstance
	KindJob
	KindIncident
)

func (k RecordKind) String() string {
	switch k {
	case KindDeployment:
		return "DEPLOYMENT"
	case KindWorkflowInstance:
		return "WORKFLOW_INSTANCE"
	case KindJob:
		return "JOB"
	case KindIncident:
		return "INCIDENT"
	}
	return "UNKNOWN"
}

// Record is one workflow record on the stream. The engine core attaches no
// meaning to Payload; its semantics belong to the layers above.
type Record struct {
	Key     uint64
	Kind    RecordKind
	Intent  string
	Payload []byte
}

// Record wire format, little-endian:
//
//	key uint64 | kind uint8 | intentLen uint8 | payloadLen uint32 | intent | payload
const recordHeaderLength = 14

var ErrRecordMalformed = errors.New("malformed record")

func (r Record) encodedLength() int {
	return recordHeaderLength + len(r.Intent) + len(r.Payload)
}

func (r Record) encode(dst []byte) error {
	if len(r.Intent) > 255 {
		return fmt.Errorf("record intent %q exceeds 255 bytes", r.Intent[:32])
	}
	binary.LittleEndian.PutUint64(dst[0:], r.Key)
	dst[8] = byte(r.Kind)
	dst[9] = byte(len(r.Intent))
	binary.LittleEndian.PutUint32(dst[10:], uint32(len(r.Payload)))
	copy(dst[recordHeaderLength:], r.Intent)
	copy(dst[recordHeaderLength+len(r.Intent):], r.Payload)
	return nil
}

// DecodeRecord parses a record from one fragment payload. The returned
// record's Intent and Payload are copied out of the buffer view, so they stay
// valid after the fragment's range is recycled.
func DecodeRecord(src []byte) (Record, error) {
	if len(src) < recordHeaderLength {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecordMalformed, len(src))
	}
	intentLen := int(src[9])
	payloadLen := int(binary.LittleEndian.Uint32(src[10:]))
	if len(src) < recordHeaderLength+intentLen+payloadLen {
		return Record{}, fmt.Errorf("%w: truncated body", ErrRecordMalformed)
	}
	rec := Record{
		Key:    binary.LittleEndian.Uint64(src[0:]),
		Kind:   RecordKind(src[8]),
		Intent: string(src[recordHeaderLength : recordHeaderLength+intentLen]),
	}
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		copy(rec.Payload, src[recordHeaderLength+intentLen:])
	}
	return rec, nil
}

// Deployment is the result of deploying a process definition.
type Deployment struct {
	ID       uuid.UUID
	Key      uint64
	Name     string
	Resource []byte
}

// Deployment payload format: id [16]byte | nameLen uint16 | name | resource.
func encodeDeployment(d Deployment) []byte {
	buf := make([]byte, 18+len(d.Name)+len(d.Resource))
	copy(buf[0:16], d.ID[:])
	binary.LittleEndian.PutUint16(buf[16:], uint16(len(d.Name)))
	copy(buf[18:], d.Name)
	copy(buf[18+len(d.Name):], d.Resource)
	return buf
}

// DecodeDeployment parses a KindDeployment record payload.
func DecodeDeployment(src []byte) (Deployment, error) {
	if len(src) < 18 {
		return Deployment{}, fmt.Errorf("%w: deployment payload %d bytes", ErrRecordMalformed, len(src))
	}
	nameLen := int(binary.LittleEndian.Uint16(src[16:]))
	if len(src) < 18+nameLen {
		return Deployment{}, fmt.Errorf("%w: truncated deployment name", ErrRecordMalformed)
	}
	var d Deployment
	copy(d.ID[:], src[0:16])
	d.Name = string(src[18 : 18+nameLen])
	d.Resource = append([]byte(nil), src[18+nameLen:]...)
	return d, nil
}
