package wire

// Kind tags the concrete message type carried by an envelope.
type Kind uint8

// Message kinds.
const (
	KindUnknown          Kind = iota
	KindIdentifyRequest       // KindIdentifyRequest is broadcast to discover participants
	KindIdentifyResponse      // KindIdentifyResponse answers an identify request
	KindOperationRequest      // KindOperationRequest asks one pillar to perform the operation
	KindProgressResponse      // KindProgressResponse reports intermediate progress
	KindFinalResponse         // KindFinalResponse reports the pillar's outcome
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindIdentifyRequest:
		return "IdentifyRequest"
	case KindIdentifyResponse:
		return "IdentifyResponse"
	case KindOperationRequest:
		return "OperationRequest"
	case KindProgressResponse:
		return "ProgressResponse"
	case KindFinalResponse:
		return "FinalResponse"
	default:
		return "Unknown"
	}
}

// Header holds the fields common to every message.
type Header struct {
	CorrelationID string    // CorrelationID ties the message to one conversation
	MessageID     string    // MessageID is unique per transmission
	From          string    // From is the sender's component id
	ReplyTo       string    // ReplyTo is the destination answers should be sent to
	Operation     Operation // Operation is the file operation this message belongs to
}

// Message is one of the five protocol messages.
// The set is closed: only types in this package implement it.
type Message interface {
	Kind() Kind
	Head() *Header
	sealed()
}

// IdentifyRequest asks pillars whether they can take part in an operation.
type IdentifyRequest struct {
	Header
	CollectionID string // CollectionID is the targeted collection
	FileID       string // FileID is the file concerned, empty for collection-wide operations
}

// IdentifyResponse is a pillar's answer to an IdentifyRequest.
type IdentifyResponse struct {
	Header
	PillarID   string       // PillarID is the responding pillar
	Info       ResponseInfo // Info is the identification outcome
	Capability Capability   // Capability is the operation-specific capability
}

// OperationRequest asks one pillar to carry out the operation.
type OperationRequest struct {
	Header
	PillarID           string // PillarID is the addressed pillar
	CollectionID       string // CollectionID is the targeted collection
	FileID             string // FileID is the file concerned
	Attempt            uint32 // Attempt is 1 for the first transmission, incremented on retry
	Data               []byte // Data is the file content (Put, Replace)
	FileAddress        string // FileAddress optionally points at an external copy of the content
	ValidationChecksum []byte // ValidationChecksum is the expected checksum of the new content
	ExistingChecksum   []byte // ExistingChecksum is the checksum of the file being removed (Delete, Replace)
}

// ProgressResponse reports that a pillar is working on a request.
type ProgressResponse struct {
	Header
	PillarID string       // PillarID is the reporting pillar
	Info     ResponseInfo // Info describes the progress
}

// FinalResponse reports a pillar's outcome for a request.
type FinalResponse struct {
	Header
	PillarID string       // PillarID is the reporting pillar
	Info     ResponseInfo // Info is the outcome
	Result   Result       // Result is the operation-specific payload
}

// Kind returns KindIdentifyRequest.
func (*IdentifyRequest) Kind() Kind { return KindIdentifyRequest }

// Kind returns KindIdentifyResponse.
func (*IdentifyResponse) Kind() Kind { return KindIdentifyResponse }

// Kind returns KindOperationRequest.
func (*OperationRequest) Kind() Kind { return KindOperationRequest }

// Kind returns KindProgressResponse.
func (*ProgressResponse) Kind() Kind { return KindProgressResponse }

// Kind returns KindFinalResponse.
func (*FinalResponse) Kind() Kind { return KindFinalResponse }

// Head returns the common header.
func (h *Header) Head() *Header { return h }

func (*IdentifyRequest) sealed()  {}
func (*IdentifyResponse) sealed() {}
func (*OperationRequest) sealed() {}
func (*ProgressResponse) sealed() {}
func (*FinalResponse) sealed()    {}
