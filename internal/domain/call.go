package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

// NewCallID returns a fresh random call id.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// Description is a session description as stored under offer/ or answer/.
type Description struct {
	DescType  string `json:"descType"`
	SDP       string `json:"sdp"`
	WrittenAt int64  `json:"writtenAt"`
}

// Candidate is one entry of candidates/<participant>/.
type Candidate struct {
	Candidate        string `json:"candidate"`
	SDPMLineIndex    uint16 `json:"sdpMLineIndex"`
	SDPMid           string `json:"sdpMid"`
	UsernameFragment string `json:"usernameFragment"`
	Timestamp        int64  `json:"timestamp"`
}

// CallRecord is the root signaling record stored at calls/<id>.
type CallRecord struct {
	CallerID   ParticipantID                          `json:"callerId"`
	CalleeID   ParticipantID                          `json:"calleeId"`
	Kind       CallKind                               `json:"kind"`
	Status     CallStatus                             `json:"status"`
	CreatedAt  int64                                  `json:"createdAt"`
	Offer      *Description                           `json:"offer,omitempty"`
	Answer     *Description                           `json:"answer,omitempty"`
	Candidates map[ParticipantID]map[string]Candidate `json:"candidates,omitempty"`
}

// NewCallRecord builds the record a caller writes when it places a call.
func NewCallRecord(caller, callee ParticipantID, kind CallKind, now time.Time) CallRecord {
	return CallRecord{
		CallerID:  caller,
		CalleeID:  callee,
		Kind:      kind,
		Status:    StatusCalling,
		CreatedAt: now.UnixMilli(),
	}
}

// CallHeader is the part of a record that says who calls whom and where the
// call stands. Registry views decode only this, so a bad candidate or
// description inside a record never hides the call itself.
type CallHeader struct {
	CallerID  ParticipantID `json:"callerId"`
	CalleeID  ParticipantID `json:"calleeId"`
	Kind      CallKind      `json:"kind"`
	Status    CallStatus    `json:"status"`
	CreatedAt int64         `json:"createdAt"`
	// Offer and Answer are only checked for presence.
	Offer  any `json:"offer,omitempty"`
	Answer any `json:"answer,omitempty"`
}

// Header returns the header fields of r.
func (r CallRecord) Header() CallHeader {
	h := CallHeader{
		CallerID:  r.CallerID,
		CalleeID:  r.CalleeID,
		Kind:      r.Kind,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
	if r.Offer != nil {
		h.Offer = r.Offer
	}
	if r.Answer != nil {
		h.Answer = r.Answer
	}
	return h
}

// Created returns CreatedAt as a time.
func (h CallHeader) Created() time.Time {
	return time.UnixMilli(h.CreatedAt)
}

// Peer returns the other participant of the call, relative to self.
func (h CallHeader) Peer(self ParticipantID) ParticipantID {
	if h.CallerID == self {
		return h.CalleeID
	}
	return h.CallerID
}

// Invitation is what the callee learns about a call before accepting it.
type Invitation struct {
	ID        CallID
	CallerID  ParticipantID
	CalleeID  ParticipantID
	Kind      CallKind
	CreatedAt time.Time
}

func (h CallHeader) Invitation(id CallID) Invitation {
	return Invitation{
		ID:        id,
		CallerID:  h.CallerID,
		CalleeID:  h.CalleeID,
		Kind:      h.Kind,
		CreatedAt: h.Created(),
	}
}
