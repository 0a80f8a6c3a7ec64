package wire

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Envelope field slots. The table layout is append-only: new fields get new
// slots and existing slots are never renumbered.
const (
	slotKind               = 0
	slotOperation          = 1
	slotCorrelationID      = 2
	slotMessageID          = 3
	slotFrom               = 4
	slotReplyTo            = 5
	slotCollectionID       = 6
	slotFileID             = 7
	slotPillarID           = 8
	slotResponseCode       = 9
	slotResponseText       = 10
	slotDeliveryTimeMs     = 11
	slotExistingChecksum   = 12
	slotValidationChecksum = 13
	slotAttempt            = 14
	slotData               = 15
	slotCompressed         = 16
	slotFileAddress        = 17
	slotResultChecksum     = 18
	slotFileIDs            = 19
	slotChecksumFileIDs    = 20
	slotChecksumValues     = 21

	envelopeNumFields = 22
)

// noDeliveryTime is the default of the delivery time slot, meaning "no estimate".
const noDeliveryTime int64 = -1

// Envelope is the flatbuffers table carrying every message kind.
type Envelope struct {
	_tab flatbuffers.Table
}

// GetRootAsEnvelope returns the envelope stored at offset in buf.
func GetRootAsEnvelope(buf []byte, offset flatbuffers.UOffsetT) *Envelope {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &Envelope{}
	x.Init(buf, n+offset)
	return x
}

// Init binds the accessor to a buffer position.
func (rcv *Envelope) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

// vtableOffset converts a field slot to its vtable offset.
func vtableOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// field returns the table-relative offset of slot, or 0 if absent.
func (rcv *Envelope) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(rcv._tab.Offset(vtableOffset(slot)))
}

// bytesAt returns the byte vector or string stored in slot.
func (rcv *Envelope) bytesAt(slot int) []byte {
	o := rcv.field(slot)
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}

	return nil
}

// stringAt returns the string stored in slot.
func (rcv *Envelope) stringAt(slot int) string {
	return string(rcv.bytesAt(slot))
}

// vectorLen returns the length of the vector stored in slot.
func (rcv *Envelope) vectorLen(slot int) int {
	o := rcv.field(slot)
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}

	return 0
}

// stringVectorAt returns element j of the string vector stored in slot.
func (rcv *Envelope) stringVectorAt(slot, j int) []byte {
	o := rcv.field(slot)
	if o != 0 {
		a := rcv._tab.Vector(o)
		return rcv._tab.ByteVector(a + flatbuffers.UOffsetT(j*4))
	}

	return nil
}

// Kind returns the message kind.
func (rcv *Envelope) Kind() Kind {
	return Kind(rcv._tab.GetUint8Slot(vtableOffset(slotKind), 0))
}

// Operation returns the operation.
func (rcv *Envelope) Operation() Operation {
	return Operation(rcv._tab.GetUint8Slot(vtableOffset(slotOperation), 0))
}

// ResponseCode returns the response code.
func (rcv *Envelope) ResponseCode() ResponseCode {
	return ResponseCode(rcv._tab.GetUint8Slot(vtableOffset(slotResponseCode), 0))
}

// DeliveryTimeMs returns the delivery estimate in milliseconds, or -1.
func (rcv *Envelope) DeliveryTimeMs() int64 {
	return rcv._tab.GetInt64Slot(vtableOffset(slotDeliveryTimeMs), noDeliveryTime)
}

// Attempt returns the transmission attempt.
func (rcv *Envelope) Attempt() uint32 {
	return rcv._tab.GetUint32Slot(vtableOffset(slotAttempt), 0)
}

// Compressed reports whether the data slot is zstd-compressed.
func (rcv *Envelope) Compressed() bool {
	return rcv._tab.GetBoolSlot(vtableOffset(slotCompressed), false)
}

// EnvelopeStart begins an envelope table.
func EnvelopeStart(builder *flatbuffers.Builder) {
	builder.StartObject(envelopeNumFields)
}

// EnvelopeEnd finishes an envelope table.
func EnvelopeEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// createStringVector writes a vector of strings and returns its offset.
// Must be called before EnvelopeStart.
func createStringVector(builder *flatbuffers.Builder, items []string) flatbuffers.UOffsetT {
	if len(items) == 0 {
		return 0
	}

	offsets := make([]flatbuffers.UOffsetT, len(items))
	for i, s := range items {
		offsets[i] = builder.CreateString(s)
	}

	builder.StartVector(4, len(offsets), 4)
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// createBytes writes a byte vector and returns its offset, or 0 when empty.
func createBytes(builder *flatbuffers.Builder, b []byte) flatbuffers.UOffsetT {
	if len(b) == 0 {
		return 0
	}

	return builder.CreateByteVector(b)
}

// createString writes a string and returns its offset, or 0 when empty.
func createString(builder *flatbuffers.Builder, s string) flatbuffers.UOffsetT {
	if s == "" {
		return 0
	}

	return builder.CreateString(s)
}

// addOffset adds a non-empty offset to the open table.
func addOffset(builder *flatbuffers.Builder, slot int, off flatbuffers.UOffsetT) {
	if off != 0 {
		builder.PrependUOffsetTSlot(slot, off, 0)
	}
}
