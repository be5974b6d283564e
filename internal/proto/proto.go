// Package proto defines the message catalogue spoken between clients,
// the relay hub, and peer data channels. Every message on the wire is a
// Message: a type tag plus an optional JSON payload. The payload shape
// for each type is fixed by the structs below — there is no open
// string-keyed dispatch anywhere; unknown types are logged and dropped
// by the receiver.
package proto

import (
	"encoding/json"
	"fmt"
)

// Type tags a Message. The set is closed: receivers switch exhaustively
// over these constants and treat anything else as unknown.
type Type string

const (
	// Client → relay room control.
	TypeHost  Type = "host"
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"

	// Relay → client confirmations.
	TypeConnected Type = "connected"
	TypeHosted    Type = "hosted"
	TypeJoined    Type = "joined"
	TypeLeft      Type = "left"
	TypeError     Type = "error"

	// Library exchange, forwarded to the other room members.
	TypeShareLibrary        Type = "shareLibrary"
	TypeLibraryUpdate       Type = "libraryUpdate"
	TypeRequestLibraryShare Type = "requestLibraryShare"

	// Playlist and queue sharing.
	TypeSharePlaylist  Type = "sharePlaylist"
	TypePlaylistUpdate Type = "playlistUpdate"
	TypeShareQueue     Type = "shareQueue"
	TypeQueueUpdate    Type = "queueUpdate"

	// Transfer signaling, peer → peer via the relay.
	TypeRequestSongFile  Type = "requestSongFile"
	TypeSongFileNotFound Type = "songFileNotFound"
	TypeWebRTCOffer      Type = "webrtcOffer"
	TypeWebRTCAnswer     Type = "webrtcAnswer"
	TypeICECandidate     Type = "iceCandidate"

	// Peer → peer over the direct data channel.
	TypeSongFileChunk            Type = "songFileChunk"
	TypeRequestMissingFileChunks Type = "requestMissingFileChunks"

	// Playback state synchronization.
	TypeFullSync Type = "fullSync"
)

// Message is the envelope for everything on the relay connection and
// the direct data channels. Payload stays raw until the receiver knows
// the type.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a Message with the given payload marshaled in place.
// A nil payload produces a payload-less message.
func New(t Type, payload any) (Message, error) {
	m := Message{Type: t}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	m.Payload = b
	return m, nil
}

// Decode unmarshals the payload into v. An absent payload decodes as
// the zero value.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// SongMeta is the wire form of a library entry: metadata only, never
// the audio payload. Ids are local to the sending client; songKey
// (title+artist) is what correlates entries across clients.
type SongMeta struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Duration float64 `json:"duration"`
	AlbumArt string  `json:"albumArt,omitempty"`
	IsRemote bool    `json:"isRemote,omitempty"`
}

// PlaylistMeta is the wire form of a shared playlist. Songs are
// referenced by key, not id, so the receiver can resolve them against
// its own library.
type PlaylistMeta struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	SongKeys []string `json:"songKeys"`
}

type ConnectedPayload struct {
	ID int `json:"id"`
}

// RoomPayload carries the room code for join requests and for the
// hosted/joined confirmations.
type RoomPayload struct {
	RoomCode string `json:"roomCode"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type LibraryPayload struct {
	Library []SongMeta `json:"library"`
}

type PlaylistPayload struct {
	Playlist PlaylistMeta `json:"playlist"`
}

// QueuePayload carries a shared queue as song keys in play order.
type QueuePayload struct {
	Queue []string `json:"queue"`
}

type RequestSongFilePayload struct {
	SongKey   string `json:"songKey"`
	Requester int    `json:"requester"`
}

type SongFileNotFoundPayload struct {
	SongKey string `json:"songKey"`
	Target  int    `json:"target"`
}

// OfferPayload relays an SDP offer to Target. Offer is the marshaled
// session description of whatever WebRTC implementation is in use.
type OfferPayload struct {
	Target int             `json:"target"`
	Sender int             `json:"sender"`
	Offer  json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	Target int             `json:"target"`
	Sender int             `json:"sender"`
	Answer json.RawMessage `json:"answer"`
}

type CandidatePayload struct {
	Target    int             `json:"target"`
	Sender    int             `json:"sender"`
	Candidate json.RawMessage `json:"candidate"`
}

// ChunkPayload carries one slice of a song's audio over the direct
// channel. Chunk is base64 on the wire (Go []byte JSON encoding).
type ChunkPayload struct {
	SongKey     string `json:"songKey"`
	Chunk       []byte `json:"chunk"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

type MissingChunksPayload struct {
	SongKey        string `json:"songKey"`
	MissingIndices []int  `json:"missingIndices"`
}

// FullSyncPayload is the canonical playback snapshot. A payload whose
// queueIds field is absent entirely (`{}`) is a state pull request, not
// a snapshot — senders of real snapshots always include queueIds, even
// when the queue is empty.
type FullSyncPayload struct {
	QueueIDs         []string `json:"queueIds"`
	CurrentSongIndex int      `json:"currentSongIndex"`
	IsPlaying        bool     `json:"isPlaying"`
	CurrentTime      float64  `json:"currentTime"`
	Shuffle          bool     `json:"shuffle"`
	Loop             bool     `json:"loop"`
}

// IsStateRequest reports whether this fullSync payload is a pull
// request rather than a snapshot.
func (p FullSyncPayload) IsStateRequest() bool {
	return p.QueueIDs == nil
}

// TargetedPayload is the minimal decode used by the relay hub to route
// addressed messages without understanding the rest of the payload.
type TargetedPayload struct {
	Target int `json:"target"`
}

// Targeted reports whether messages of this type carry a target client
// id and should be routed to exactly one room member.
func Targeted(t Type) bool {
	switch t {
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeICECandidate, TypeSongFileNotFound:
		return true
	}
	return false
}
