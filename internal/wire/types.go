package wire

import (
	"fmt"
	"time"
)

// Operation identifies which file operation a message belongs to.
type Operation uint8

// Supported operations.
const (
	OpUnknown      Operation = iota
	OpGet                    // OpGet fetches a file from the fastest pillar
	OpPut                    // OpPut stores a file on every pillar of a collection
	OpDelete                 // OpDelete removes a file from one pillar
	OpReplace                // OpReplace swaps a file on one pillar
	OpGetFileIDs             // OpGetFileIDs lists file ids on every pillar
	OpGetChecksums           // OpGetChecksums lists checksums on every pillar
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpGet:
		return "GetFile"
	case OpPut:
		return "PutFile"
	case OpDelete:
		return "DeleteFile"
	case OpReplace:
		return "ReplaceFile"
	case OpGetFileIDs:
		return "GetFileIDs"
	case OpGetChecksums:
		return "GetChecksums"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// ResponseCode classifies a pillar's answer.
type ResponseCode uint8

// Response codes understood by clients and pillars.
const (
	CodeUnknown               ResponseCode = iota
	CodeIdentificationPositive             // CodeIdentificationPositive means the pillar can take part
	CodeOperationAccepted                  // CodeOperationAccepted is a progress notification
	CodeOperationCompleted                 // CodeOperationCompleted is a successful final answer
	CodeFailure                            // CodeFailure is a generic, fatal failure
	CodeDuplicateFile                      // CodeDuplicateFile means the file already exists on the pillar
	CodeFileTransferFailure                // CodeFileTransferFailure is transient and may be retried
	CodeFileNotFound                       // CodeFileNotFound is fatal
	CodeRequestNotUnderstood               // CodeRequestNotUnderstood is fatal
	CodeChecksumMismatch                   // CodeChecksumMismatch means supplied and computed checksums differ
)

// String returns the code name as used in logs and events.
func (c ResponseCode) String() string {
	switch c {
	case CodeIdentificationPositive:
		return "IDENTIFICATION_POSITIVE"
	case CodeOperationAccepted:
		return "OPERATION_ACCEPTED_PROGRESS"
	case CodeOperationCompleted:
		return "OPERATION_COMPLETED"
	case CodeFailure:
		return "FAILURE"
	case CodeDuplicateFile:
		return "DUPLICATE_FILE_FAILURE"
	case CodeFileTransferFailure:
		return "FILE_TRANSFER_FAILURE"
	case CodeFileNotFound:
		return "FILE_NOT_FOUND_FAILURE"
	case CodeRequestNotUnderstood:
		return "REQUEST_NOT_UNDERSTOOD_FAILURE"
	case CodeChecksumMismatch:
		return "NEW_FILE_CHECKSUM_FAILURE"
	default:
		return fmt.Sprintf("CODE_%d", uint8(c))
	}
}

// IsRetriable reports whether a final response with this code may be retried.
func (c ResponseCode) IsRetriable() bool {
	return c == CodeFileTransferFailure
}

// IsSuccess reports whether a final response with this code completes the pillar's work.
func (c ResponseCode) IsSuccess() bool {
	return c == CodeOperationCompleted
}

// ResponseInfo is the code and free text attached to every response.
type ResponseInfo struct {
	Code ResponseCode // Code is the machine-readable outcome
	Text string       // Text is a human-readable explanation
}

// String formats the info as "CODE: text".
func (r ResponseInfo) String() string {
	if r.Text == "" {
		return r.Code.String()
	}

	return r.Code.String() + ": " + r.Text
}

// Capability is the operation-specific information a pillar reports when identifying.
type Capability struct {
	DeliveryTime     time.Duration // DeliveryTime is the estimated time to deliver a file (Get)
	DeliveryKnown    bool          // DeliveryKnown is false when the pillar gave no estimate
	ExistingChecksum []byte        // ExistingChecksum is the checksum of a file already present (Put)
}

// FileChecksum pairs a file id with its checksum.
type FileChecksum struct {
	FileID   string // FileID is the file identifier
	Checksum []byte // Checksum is the pillar's stored checksum
}

// Result is the operation-specific payload of a final response.
type Result struct {
	Data      []byte         // Data is the file content (Get)
	Checksum  []byte         // Checksum is the checksum of the affected file
	FileIDs   []string       // FileIDs lists ids (GetFileIDs)
	Checksums []FileChecksum // Checksums lists checksums (GetChecksums)
}

// IsEmpty reports whether the result carries nothing.
func (r Result) IsEmpty() bool {
	return len(r.Data) == 0 && len(r.Checksum) == 0 && len(r.FileIDs) == 0 && len(r.Checksums) == 0
}
