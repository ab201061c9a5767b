package signaling

// MessageType discriminates signaling messages on the wire
type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeBye       MessageType = "bye"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

// Message is the single JSON envelope exchanged with the browser.
//
//	{"type":"offer","sdp":"v=0..."}
//	{"type":"candidate","candidate":{"candidate":"candidate:...","sdpMid":"0"}}
//	{"type":"bye","reason":"end of stream"}
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
	Reason    string      `json:"reason,omitempty"` // bye
	Error     string      `json:"error,omitempty"`  // error
}

// Candidate mirrors the browser's RTCIceCandidateInit
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
