// Package protocol defines the JSON messages exchanged on the client↔relay
// and relay↔SFU links.
package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/sfusignal/internal/domain"
)

// Command identifies the kind of message.
type Command string

const (
	CmdListGroups     Command = "list groups"
	CmdPublish        Command = "publish"
	CmdPublishOffer   Command = "publish offer"
	CmdSubscribe      Command = "subscribe"
	CmdSubscribeOffer Command = "subscribe offer"
	CmdJoin           Command = "join"
	CmdLeave          Command = "leave"
	CmdAnswer         Command = "answer"
	CmdCandidate      Command = "candidate"

	// CmdRequestOffer is only sent to the SFU to solicit its offer.
	CmdRequestOffer Command = "request_offer"
)

var ErrUnknownCommand = errors.New("unknown command")

// Validate fails with ErrUnknownCommand for anything outside the protocol.
func (c Command) Validate() error {
	switch c {
	case CmdListGroups, CmdPublish, CmdPublishOffer, CmdSubscribe, CmdSubscribeOffer,
		CmdJoin, CmdLeave, CmdAnswer, CmdCandidate, CmdRequestOffer:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, string(c))
}

// ReasonCannotCreateOffer is the only negotiation error worth retrying: the
// SFU has no stream for the requested client yet.
const ReasonCannotCreateOffer = "Cannot create offer"

// CodeNotFound is the code the SFU attaches to ReasonCannotCreateOffer.
const CodeNotFound = 404

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit. Candidates shipped with an SFU
// offer carry no sdpMid; the client patches it in from its own first local
// candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type GroupResponse struct {
	Name domain.GroupName `json:"name"`
}

type GroupListResponse struct {
	Groups []GroupResponse `json:"groups"`
}

// Message is the wire unit. Which fields are populated depends on Command.
// An empty Candidates or IceServers list is equivalent to an absent one and
// is omitted on encode.
type Message struct {
	ID                int                 `json:"id,omitempty"`
	Command           Command             `json:"command"`
	GroupName         domain.GroupName    `json:"groupName,omitempty"`
	ClientID          domain.ClientID     `json:"clientId,omitempty"`
	SDP               *SessionDescription `json:"sdp,omitempty"`
	Candidates        []ICECandidate      `json:"candidates,omitempty"`
	IceServers        []IceServer         `json:"iceServers,omitempty"`
	Error             string              `json:"error,omitempty"`
	Code              int                 `json:"code,omitempty"`
	GroupListResponse *GroupListResponse  `json:"groupListResponse,omitempty"`
}

// CannotCreateOffer reports whether m carries the retryable negotiation error.
func (m *Message) CannotCreateOffer() bool {
	return m.Error == ReasonCannotCreateOffer
}

// NewError reports a failed negotiation to a client in the given offer
// command.
func NewError(cmd Command, target domain.ClientID, reason string) *Message {
	return &Message{Command: cmd, ClientID: target, Error: reason}
}

func NewListGroupsRequest() *Message {
	return &Message{Command: CmdListGroups}
}

func NewGroupList(names []domain.GroupName) *Message {
	groups := make([]GroupResponse, 0, len(names))
	for _, n := range names {
		groups = append(groups, GroupResponse{Name: n})
	}
	return &Message{
		Command:           CmdListGroups,
		GroupListResponse: &GroupListResponse{Groups: groups},
	}
}

func NewPublishRequest(group domain.GroupName) *Message {
	return &Message{Command: CmdPublish, GroupName: group}
}

func NewSubscribeRequest(target domain.ClientID) *Message {
	return &Message{Command: CmdSubscribe, ClientID: target}
}

func NewAnswer(id int, answer SessionDescription) *Message {
	return &Message{Command: CmdAnswer, ID: id, SDP: &answer}
}

// NewCandidate wraps a single trickled local candidate.
func NewCandidate(id int, c ICECandidate) *Message {
	return &Message{Command: CmdCandidate, ID: id, Candidates: []ICECandidate{c}}
}

// NewJoin is sent by a client once its publish link is connected.
func NewJoin(id int) *Message {
	return &Message{Command: CmdJoin, ID: id}
}

// NewJoinNotice introduces a group member to another.
func NewJoinNotice(member domain.ClientID) *Message {
	return &Message{Command: CmdJoin, ClientID: member}
}

func NewLeaveNotice(member domain.ClientID) *Message {
	return &Message{Command: CmdLeave, ClientID: member}
}

func NewRequestOffer() *Message {
	return &Message{Command: CmdRequestOffer}
}
