package wire

import "fmt"

// Tag identifies the method carried by a frame.
type Tag uint16

// Request tags. Consensus tags live below TagSubmitJob; everything from TagSubmitJob up is
// client traffic.
const (
	TagRequestVote   Tag = 0x01
	TagAppendEntries Tag = 0x02
	TagSubmitJob     Tag = 0x03
	TagGetJobStatus  Tag = 0x04
	TagCancelJob     Tag = 0x05
	TagGetJob        Tag = 0x06
	TagUpdateJob     Tag = 0x07
	TagFinishJob     Tag = 0x08
	TagRetryJob      Tag = 0x09
	TagGetPeers      Tag = 0x0A
	TagSubmitJobs    Tag = 0x0B

	// ResponseFlag marks the response counterpart of a request tag.
	ResponseFlag Tag = 0x8000
	// TagError is the response tag for any failed request.
	TagError Tag = ResponseFlag | 0x00FF
)

var tagNames = map[Tag]string{
	TagRequestVote:   "RequestVote",
	TagAppendEntries: "AppendEntries",
	TagSubmitJob:     "SubmitJob",
	TagGetJobStatus:  "GetJobStatus",
	TagCancelJob:     "CancelJob",
	TagGetJob:        "GetJob",
	TagUpdateJob:     "UpdateJob",
	TagFinishJob:     "FinishJob",
	TagRetryJob:      "RetryJob",
	TagGetPeers:      "GetPeers",
	TagSubmitJobs:    "SubmitJobs",
}

// Response returns the response tag for a request tag.
func (t Tag) Response() Tag { return t | ResponseFlag }

// IsResponse reports whether t is a response (including TagError).
func (t Tag) IsResponse() bool { return t&ResponseFlag != 0 }

// Request strips the response flag.
func (t Tag) Request() Tag { return t &^ ResponseFlag }

// IsPeer reports whether t is consensus traffic between coordinator nodes.
func (t Tag) IsPeer() bool {
	r := t.Request()
	return r == TagRequestVote || r == TagAppendEntries
}

func (t Tag) String() string {
	if t == TagError {
		return "Error"
	}
	name, ok := tagNames[t.Request()]
	if !ok {
		name = fmt.Sprintf("0x%02x", uint16(t.Request()))
	}
	if t.IsResponse() {
		return name + "Response"
	}
	return name
}
