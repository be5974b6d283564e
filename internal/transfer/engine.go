// Package transfer moves song audio directly between peers over WebRTC
// data channels. The relay only carries the signaling (offer, answer,
// ICE candidates, requests); the audio itself never touches it.
package transfer

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tandem-sync/tandem/internal/config"
	"github.com/tandem-sync/tandem/internal/library"
	"github.com/tandem-sync/tandem/internal/proto"
	"github.com/tandem-sync/tandem/internal/tags"
)

const channelLabel = "song-transfer"

// Engine owns the per-peer connections and all in-flight transfers.
// Signaling messages arriving from the relay are fed in through the
// Handle* methods; completed downloads are promoted in the store and
// reported through onComplete.
type Engine struct {
	cfg       config.Transfer
	store     *library.Store
	relaySend func(proto.Message)
	selfID    func() int

	// onComplete fires after a downloaded song is promoted to local.
	onComplete func(library.Song)

	mu       sync.Mutex
	peers    map[int]*peer
	inflight map[string]*inbound  // by song key, receiving side
	serving  map[string]*outbound // by song key, sending side
	closed   bool
}

type peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

func NewEngine(cfg config.Transfer, store *library.Store, relaySend func(proto.Message), selfID func() int, onComplete func(library.Song)) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		relaySend:  relaySend,
		selfID:     selfID,
		onComplete: onComplete,
		peers:      make(map[int]*peer),
		inflight:   make(map[string]*inbound),
		serving:    make(map[string]*outbound),
	}
}

func (e *Engine) rtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(e.cfg.STUNServers))
	for _, u := range e.cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// RequestSong asks the room for a song by key. Whoever holds the audio
// answers with a WebRTC offer; a holder without it answers
// songFileNotFound.
func (e *Engine) RequestSong(songKey string) {
	log.Printf("TRANSFER: requesting %q", songKey)
	msg, err := proto.New(proto.TypeRequestSongFile, proto.RequestSongFilePayload{
		SongKey:   songKey,
		Requester: e.selfID(),
	})
	if err != nil {
		log.Printf("TRANSFER: request %q: %v", songKey, err)
		return
	}
	e.relaySend(msg)
}

// DownloadAllMissing requests every remote-origin song in the library,
// spaced out so transfers do not all start at once. Blocks until the
// last request is sent.
func (e *Engine) DownloadAllMissing() error {
	songs, err := e.store.All()
	if err != nil {
		return err
	}
	e.mu.Lock()
	var missing []library.Song
	for _, sg := range songs {
		if sg.IsRemote {
			if _, inflight := e.inflight[sg.Key()]; !inflight {
				missing = append(missing, sg)
			}
		}
	}
	e.mu.Unlock()
	log.Printf("TRANSFER: bulk download of %d songs", len(missing))

	for i, sg := range missing {
		e.RequestSong(sg.Key())
		if i < len(missing)-1 {
			time.Sleep(e.cfg.BulkDelay())
		}
	}
	return nil
}

// HandleRequestSongFile serves a peer's request: when the audio is held
// locally a connection is offered to the requester, otherwise the
// requester gets songFileNotFound so it can stop waiting.
func (e *Engine) HandleRequestSongFile(p proto.RequestSongFilePayload) {
	if p.Requester == e.selfID() {
		return
	}

	audio, err := e.localAudio(p.SongKey)
	if err != nil {
		// The requester still needs an answer or it waits forever.
		log.Printf("TRANSFER: lookup %q: %v", p.SongKey, err)
		e.sendNotFound(p.SongKey, p.Requester)
		return
	}
	if audio == nil {
		log.Printf("TRANSFER: %q not held locally, telling client %d", p.SongKey, p.Requester)
		e.sendNotFound(p.SongKey, p.Requester)
		return
	}

	if err := e.offerTo(p.Requester, p.SongKey, audio); err != nil {
		log.Printf("TRANSFER: offer %q to client %d: %v", p.SongKey, p.Requester, err)
	}
}

// localAudio returns the stored audio for the first entry matching the
// key, nil when no entry holds audio.
func (e *Engine) localAudio(songKey string) ([]byte, error) {
	songs, err := e.store.All()
	if err != nil {
		return nil, err
	}
	for _, sg := range songs {
		if sg.Key() != songKey {
			continue
		}
		audio, err := e.store.Audio(sg.ID)
		if err != nil {
			return nil, err
		}
		if len(audio) > 0 {
			return audio, nil
		}
	}
	return nil, nil
}

// offerTo opens a peer connection toward the requester and starts the
// chunk stream as soon as the data channel opens.
func (e *Engine) offerTo(peerID int, songKey string, audio []byte) error {
	pc, err := webrtc.NewPeerConnection(e.rtcConfig())
	if err != nil {
		return err
	}

	out := newOutbound(songKey, audio, e.cfg.ChunkSize, e.cfg.ChunkDelay())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		return nil
	}
	e.replacePeerLocked(peerID, &peer{pc: pc})
	e.serving[songKey] = out
	e.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			e.sendCandidate(peerID, c.ToJSON())
		}
	})

	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		pc.Close()
		return err
	}
	e.mu.Lock()
	if pr, ok := e.peers[peerID]; ok && pr.pc == pc {
		pr.dc = dc
	}
	e.mu.Unlock()

	send := dcSender(dc)
	dc.OnOpen(func() {
		log.Printf("TRANSFER: channel to client %d open, sending %q (%d chunks)", peerID, songKey, len(out.chunks))
		go out.sendAll(send)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.handleChannelMessage(send, msg.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return err
	}

	raw, err := json.Marshal(offer)
	if err != nil {
		pc.Close()
		return err
	}
	msg, err := proto.New(proto.TypeWebRTCOffer, proto.OfferPayload{
		Target: peerID,
		Sender: e.selfID(),
		Offer:  raw,
	})
	if err != nil {
		pc.Close()
		return err
	}
	e.relaySend(msg)
	return nil
}

// HandleOffer answers an incoming connection offer. The receiving side
// never creates the channel; it waits for the offerer's.
func (e *Engine) HandleOffer(p proto.OfferPayload) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Offer, &desc); err != nil {
		log.Printf("TRANSFER: bad offer from client %d: %v", p.Sender, err)
		return
	}

	pc, err := webrtc.NewPeerConnection(e.rtcConfig())
	if err != nil {
		log.Printf("TRANSFER: answer client %d: %v", p.Sender, err)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		return
	}
	e.replacePeerLocked(p.Sender, &peer{pc: pc})
	e.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			e.sendCandidate(p.Sender, c.ToJSON())
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.mu.Lock()
		if pr, ok := e.peers[p.Sender]; ok && pr.pc == pc {
			pr.dc = dc
		}
		e.mu.Unlock()

		send := dcSender(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			e.handleChannelMessage(send, msg.Data)
		})
	})

	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Printf("TRANSFER: offer from client %d rejected: %v", p.Sender, err)
		pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("TRANSFER: answer client %d: %v", p.Sender, err)
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("TRANSFER: answer client %d: %v", p.Sender, err)
		pc.Close()
		return
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		pc.Close()
		return
	}
	msg, err := proto.New(proto.TypeWebRTCAnswer, proto.AnswerPayload{
		Target: p.Sender,
		Sender: e.selfID(),
		Answer: raw,
	})
	if err != nil {
		pc.Close()
		return
	}
	e.relaySend(msg)
}

// HandleAnswer completes the handshake on the offering side. An answer
// with no pending offer, or one arriving out of order, is dropped.
func (e *Engine) HandleAnswer(p proto.AnswerPayload) {
	e.mu.Lock()
	pr, ok := e.peers[p.Sender]
	e.mu.Unlock()
	if !ok {
		log.Printf("TRANSFER: answer from client %d without an offer, dropped", p.Sender)
		return
	}
	if pr.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("TRANSFER: answer from client %d in state %s, dropped", p.Sender, pr.pc.SignalingState())
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Answer, &desc); err != nil {
		log.Printf("TRANSFER: bad answer from client %d: %v", p.Sender, err)
		return
	}
	if err := pr.pc.SetRemoteDescription(desc); err != nil {
		log.Printf("TRANSFER: apply answer from client %d: %v", p.Sender, err)
	}
}

// HandleCandidate adds a relayed ICE candidate to the matching
// connection.
func (e *Engine) HandleCandidate(p proto.CandidatePayload) {
	e.mu.Lock()
	pr, ok := e.peers[p.Sender]
	e.mu.Unlock()
	if !ok {
		log.Printf("TRANSFER: candidate from client %d without a connection, dropped", p.Sender)
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &init); err != nil {
		log.Printf("TRANSFER: bad candidate from client %d: %v", p.Sender, err)
		return
	}
	if err := pr.pc.AddICECandidate(init); err != nil {
		log.Printf("TRANSFER: add candidate from client %d: %v", p.Sender, err)
	}
}

// HandleNotFound clears the pending download for a key the peer does
// not hold.
func (e *Engine) HandleNotFound(p proto.SongFileNotFoundPayload) {
	e.mu.Lock()
	t, ok := e.inflight[p.SongKey]
	delete(e.inflight, p.SongKey)
	e.mu.Unlock()

	if ok {
		t.stop()
	}
	log.Printf("TRANSFER: peer does not hold %q", p.SongKey)
}

func (e *Engine) sendNotFound(songKey string, target int) {
	msg, err := proto.New(proto.TypeSongFileNotFound, proto.SongFileNotFoundPayload{
		SongKey: songKey,
		Target:  target,
	})
	if err == nil {
		e.relaySend(msg)
	}
}

func (e *Engine) sendCandidate(peerID int, init webrtc.ICECandidateInit) {
	raw, err := json.Marshal(init)
	if err != nil {
		return
	}
	msg, err := proto.New(proto.TypeICECandidate, proto.CandidatePayload{
		Target:    peerID,
		Sender:    e.selfID(),
		Candidate: raw,
	})
	if err == nil {
		e.relaySend(msg)
	}
}

// handleChannelMessage dispatches one data channel message. reply
// writes back over the same channel.
func (e *Engine) handleChannelMessage(reply func(proto.Message), data []byte) {
	var msg proto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("TRANSFER: bad channel message: %v", err)
		return
	}

	switch msg.Type {
	case proto.TypeSongFileChunk:
		var p proto.ChunkPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("TRANSFER: %v", err)
			return
		}
		e.acceptChunk(p, reply)
	case proto.TypeRequestMissingFileChunks:
		var p proto.MissingChunksPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("TRANSFER: %v", err)
			return
		}
		e.resendChunks(p, reply)
	default:
		log.Printf("TRANSFER: unexpected channel message %s, dropped", msg.Type)
	}
}

// acceptChunk feeds one chunk into the matching inbound transfer,
// creating it on the first chunk of a key.
func (e *Engine) acceptChunk(p proto.ChunkPayload, reply func(proto.Message)) {
	e.mu.Lock()
	t, ok := e.inflight[p.SongKey]
	if !ok {
		t = newInbound(p.SongKey, p.TotalChunks, e.cfg.GapTimeout(), reply)
		e.inflight[p.SongKey] = t
	}
	e.mu.Unlock()

	data, done := t.accept(p)
	if !done {
		return
	}

	e.mu.Lock()
	delete(e.inflight, p.SongKey)
	e.mu.Unlock()

	e.finalize(p.SongKey, data)
}

// resendChunks answers a receiver's gap report from the retained
// outbound cache.
func (e *Engine) resendChunks(p proto.MissingChunksPayload, reply func(proto.Message)) {
	e.mu.Lock()
	out, ok := e.serving[p.SongKey]
	e.mu.Unlock()
	if !ok {
		log.Printf("TRANSFER: missing-chunk request for unknown key %q", p.SongKey)
		return
	}
	log.Printf("TRANSFER: resending %d chunks of %q", len(p.MissingIndices), p.SongKey)
	go out.resend(p.MissingIndices, reply)
}

// finalize promotes a completed download: the library entry matching
// the key gets the audio attached, loses its remote mark, and picks up
// artwork embedded in the file when present.
func (e *Engine) finalize(songKey string, data []byte) {
	songs, err := e.store.All()
	if err != nil {
		log.Printf("TRANSFER: finalize %q: %v", songKey, err)
		return
	}

	var target *library.Song
	for i := range songs {
		if songs[i].Key() == songKey && songs[i].IsRemote {
			target = &songs[i]
			break
		}
	}
	if target == nil {
		log.Printf("TRANSFER: no library entry for %q, discarding %d bytes", songKey, len(data))
		return
	}

	art := ""
	if meta, err := tags.Extract(data); err == nil {
		art = meta.ArtworkDataURL()
	}

	if err := e.store.Promote(target.ID, data, art); err != nil {
		log.Printf("TRANSFER: promote %q: %v", songKey, err)
		return
	}

	log.Printf("TRANSFER: %q complete (%d bytes)", songKey, len(data))
	if e.onComplete != nil {
		sg := *target
		sg.IsRemote = false
		if art != "" {
			sg.AlbumArt = art
		}
		e.onComplete(sg)
	}
}

// Close tears down every connection and transfer. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	peers := e.peers
	inflight := e.inflight
	e.peers = make(map[int]*peer)
	e.inflight = make(map[string]*inbound)
	e.serving = make(map[string]*outbound)
	e.mu.Unlock()

	for _, t := range inflight {
		t.stop()
	}
	for id, pr := range peers {
		if err := pr.pc.Close(); err != nil {
			log.Printf("TRANSFER: close peer %d: %v", id, err)
		}
	}
}

// replacePeerLocked installs a new connection for a peer id, closing
// any previous one. Caller holds e.mu.
func (e *Engine) replacePeerLocked(peerID int, pr *peer) {
	if old, ok := e.peers[peerID]; ok {
		go old.pc.Close()
	}
	e.peers[peerID] = pr
}

// dcSender wraps a data channel as a message send func.
func dcSender(dc *webrtc.DataChannel) func(proto.Message) {
	return func(m proto.Message) {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		if err := dc.SendText(string(b)); err != nil {
			log.Printf("TRANSFER: channel send %s: %v", m.Type, err)
		}
	}
}
