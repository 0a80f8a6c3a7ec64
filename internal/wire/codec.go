package wire

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// minEnvelopeSize is the smallest buffer that can hold a root offset and a vtable.
const minEnvelopeSize = 8

// fields is the flattened form of a message, shared by every kind.
type fields struct {
	header             Header
	kind               Kind
	collectionID       string
	fileID             string
	pillarID           string
	info               ResponseInfo
	capability         Capability
	attempt            uint32
	data               []byte
	fileAddress        string
	validationChecksum []byte
	existingChecksum   []byte
	result             Result
}

// Encode serializes a message into an envelope.
// File content larger than compressThreshold is zstd-compressed.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}

	f, err := flatten(m)
	if err != nil {
		return nil, err
	}

	data, compressed := compress(f.data)

	builder := flatbuffers.NewBuilder(256 + len(data))

	// Strings and vectors must be written before the table is opened.
	correlationID := createString(builder, f.header.CorrelationID)
	messageID := createString(builder, f.header.MessageID)
	from := createString(builder, f.header.From)
	replyTo := createString(builder, f.header.ReplyTo)
	collectionID := createString(builder, f.collectionID)
	fileID := createString(builder, f.fileID)
	pillarID := createString(builder, f.pillarID)
	responseText := createString(builder, f.info.Text)
	existing := createBytes(builder, f.existingChecksum)
	validation := createBytes(builder, f.validationChecksum)
	payload := createBytes(builder, data)
	fileAddress := createString(builder, f.fileAddress)
	resultChecksum := createBytes(builder, f.result.Checksum)
	fileIDs := createStringVector(builder, f.result.FileIDs)

	var checksumIDs, checksumValues flatbuffers.UOffsetT

	if n := len(f.result.Checksums); n > 0 {
		ids := make([]string, n)
		values := make([]string, n)

		for i, c := range f.result.Checksums {
			ids[i] = c.FileID
			values[i] = string(c.Checksum)
		}

		checksumIDs = createStringVector(builder, ids)
		checksumValues = createStringVector(builder, values)
	}

	EnvelopeStart(builder)
	builder.PrependUint8Slot(slotKind, uint8(f.kind), 0)
	builder.PrependUint8Slot(slotOperation, uint8(f.header.Operation), 0)
	builder.PrependUint8Slot(slotResponseCode, uint8(f.info.Code), 0)
	builder.PrependUint32Slot(slotAttempt, f.attempt, 0)
	builder.PrependBoolSlot(slotCompressed, compressed, false)

	if f.capability.DeliveryKnown {
		builder.PrependInt64Slot(slotDeliveryTimeMs, f.capability.DeliveryTime.Milliseconds(), noDeliveryTime)
	}

	addOffset(builder, slotCorrelationID, correlationID)
	addOffset(builder, slotMessageID, messageID)
	addOffset(builder, slotFrom, from)
	addOffset(builder, slotReplyTo, replyTo)
	addOffset(builder, slotCollectionID, collectionID)
	addOffset(builder, slotFileID, fileID)
	addOffset(builder, slotPillarID, pillarID)
	addOffset(builder, slotResponseText, responseText)
	addOffset(builder, slotExistingChecksum, existing)
	addOffset(builder, slotValidationChecksum, validation)
	addOffset(builder, slotData, payload)
	addOffset(builder, slotFileAddress, fileAddress)
	addOffset(builder, slotResultChecksum, resultChecksum)
	addOffset(builder, slotFileIDs, fileIDs)
	addOffset(builder, slotChecksumFileIDs, checksumIDs)
	addOffset(builder, slotChecksumValues, checksumValues)

	builder.Finish(EnvelopeEnd(builder))

	return builder.FinishedBytes(), nil
}

// flatten copies a message's fields into the shared layout.
func flatten(m Message) (*fields, error) {
	f := &fields{header: *m.Head(), kind: m.Kind()}

	switch msg := m.(type) {
	case *IdentifyRequest:
		f.collectionID = msg.CollectionID
		f.fileID = msg.FileID

	case *IdentifyResponse:
		f.pillarID = msg.PillarID
		f.info = msg.Info
		f.capability = msg.Capability
		f.existingChecksum = msg.Capability.ExistingChecksum

	case *OperationRequest:
		f.pillarID = msg.PillarID
		f.collectionID = msg.CollectionID
		f.fileID = msg.FileID
		f.attempt = msg.Attempt
		f.data = msg.Data
		f.fileAddress = msg.FileAddress
		f.validationChecksum = msg.ValidationChecksum
		f.existingChecksum = msg.ExistingChecksum

	case *ProgressResponse:
		f.pillarID = msg.PillarID
		f.info = msg.Info

	case *FinalResponse:
		f.pillarID = msg.PillarID
		f.info = msg.Info
		f.data = msg.Result.Data
		f.result = msg.Result

	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	return f, nil
}

// Decode parses an envelope into its concrete message.
// Malformed input yields an error rather than a panic.
func Decode(buf []byte) (m Message, err error) {
	if len(buf) < minEnvelopeSize {
		return nil, fmt.Errorf("envelope too short: %d < %d", len(buf), minEnvelopeSize)
	}

	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("malformed envelope: %v", r)
		}
	}()

	env := GetRootAsEnvelope(buf, 0)

	data := env.bytesAt(slotData)
	if env.Compressed() {
		data, err = decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}
	} else {
		data = cloneBytes(data)
	}

	header := Header{
		CorrelationID: env.stringAt(slotCorrelationID),
		MessageID:     env.stringAt(slotMessageID),
		From:          env.stringAt(slotFrom),
		ReplyTo:       env.stringAt(slotReplyTo),
		Operation:     env.Operation(),
	}

	info := ResponseInfo{
		Code: env.ResponseCode(),
		Text: env.stringAt(slotResponseText),
	}

	switch env.Kind() {
	case KindIdentifyRequest:
		return &IdentifyRequest{
			Header:       header,
			CollectionID: env.stringAt(slotCollectionID),
			FileID:       env.stringAt(slotFileID),
		}, nil

	case KindIdentifyResponse:
		return &IdentifyResponse{
			Header:     header,
			PillarID:   env.stringAt(slotPillarID),
			Info:       info,
			Capability: decodeCapability(env),
		}, nil

	case KindOperationRequest:
		return &OperationRequest{
			Header:             header,
			PillarID:           env.stringAt(slotPillarID),
			CollectionID:       env.stringAt(slotCollectionID),
			FileID:             env.stringAt(slotFileID),
			Attempt:            env.Attempt(),
			Data:               data,
			FileAddress:        env.stringAt(slotFileAddress),
			ValidationChecksum: cloneBytes(env.bytesAt(slotValidationChecksum)),
			ExistingChecksum:   cloneBytes(env.bytesAt(slotExistingChecksum)),
		}, nil

	case KindProgressResponse:
		return &ProgressResponse{
			Header:   header,
			PillarID: env.stringAt(slotPillarID),
			Info:     info,
		}, nil

	case KindFinalResponse:
		return &FinalResponse{
			Header:   header,
			PillarID: env.stringAt(slotPillarID),
			Info:     info,
			Result:   decodeResult(env, data),
		}, nil

	default:
		return nil, fmt.Errorf("unknown message kind: %d", env.Kind())
	}
}

// decodeCapability reads the identify capability fields.
func decodeCapability(env *Envelope) Capability {
	c := Capability{ExistingChecksum: cloneBytes(env.bytesAt(slotExistingChecksum))}

	if ms := env.DeliveryTimeMs(); ms >= 0 {
		c.DeliveryTime = time.Duration(ms) * time.Millisecond
		c.DeliveryKnown = true
	}

	return c
}

// decodeResult reads the final response payload fields.
func decodeResult(env *Envelope, data []byte) Result {
	r := Result{
		Data:     data,
		Checksum: cloneBytes(env.bytesAt(slotResultChecksum)),
	}

	if n := env.vectorLen(slotFileIDs); n > 0 {
		r.FileIDs = make([]string, n)
		for i := 0; i < n; i++ {
			r.FileIDs[i] = string(env.stringVectorAt(slotFileIDs, i))
		}
	}

	n := env.vectorLen(slotChecksumFileIDs)
	if n > 0 && env.vectorLen(slotChecksumValues) == n {
		r.Checksums = make([]FileChecksum, n)
		for i := 0; i < n; i++ {
			r.Checksums[i] = FileChecksum{
				FileID:   string(env.stringVectorAt(slotChecksumFileIDs, i)),
				Checksum: cloneBytes(env.stringVectorAt(slotChecksumValues, i)),
			}
		}
	}

	return r
}

// cloneBytes copies b so decoded messages do not alias the frame buffer.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
