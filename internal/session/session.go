// Package session ties the relay connection, the library, the transfer
// engine, and the player together into one listening session. Every
// message arriving from the relay goes through one dispatch switch;
// unknown types are logged and dropped.
package session

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/tandem-sync/tandem/internal/config"
	"github.com/tandem-sync/tandem/internal/library"
	"github.com/tandem-sync/tandem/internal/player"
	"github.com/tandem-sync/tandem/internal/proto"
	"github.com/tandem-sync/tandem/internal/relay"
	"github.com/tandem-sync/tandem/internal/transfer"
)

// Manager owns one client's peer session. Sessions are two-party: one
// host, one joiner, matched by room code.
type Manager struct {
	cfg    config.Config
	store  *library.Store
	relay  *relay.Client
	recon  *library.Reconciler
	engine *transfer.Engine
	player *player.Player

	mu       sync.Mutex
	clientID int
	roomCode string
	isHost   bool
}

func NewManager(cfg config.Config, store *library.Store, pl *player.Player) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  store,
		relay:  relay.NewClient(cfg.Relay.URL),
		recon:  library.NewReconciler(store),
		player: pl,
	}
	m.engine = m.newEngine()
	m.relay.OnMessage(m.dispatch)
	m.relay.OnStatusChange(func(s relay.Status) {
		log.Printf("SESSION: relay %s", s)
		// A dead transport means the room is gone too.
		if s == relay.StatusOffline || s == relay.StatusError {
			m.teardownRoom()
		}
	})
	pl.OnChange(m.broadcastState)
	return m
}

// Relay exposes the transport, mainly for status display.
func (m *Manager) Relay() *relay.Client { return m.relay }

// Reconciler exposes library comparison state for display.
func (m *Manager) Reconciler() *library.Reconciler { return m.recon }

// Engine exposes the transfer engine for direct download commands. The
// engine is replaced on room teardown, so callers should not hold on to
// the result across a leave.
func (m *Manager) Engine() *transfer.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

func (m *Manager) newEngine() *transfer.Engine {
	return transfer.NewEngine(m.cfg.Transfer, m.store, m.relay.Send, m.ClientID, m.onDownloadComplete)
}

// ClientID returns the id the relay assigned, 0 before connected.
func (m *Manager) ClientID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// RoomCode returns the current room, "" outside one.
func (m *Manager) RoomCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomCode
}

// IsHost reports whether this client hosts the current room.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// Connect dials the relay hub. An earlier error state is cleared first:
// host/join are the explicit user retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.relay.Reset()
	return m.relay.Connect(ctx)
}

// Host asks the relay for a fresh room. The room code arrives in the
// hosted confirmation.
func (m *Manager) Host(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	m.relay.Send(proto.Message{Type: proto.TypeHost})
	return nil
}

// Join enters an existing room by code. Codes are case-insensitive.
func (m *Manager) Join(ctx context.Context, code string) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	msg, err := proto.New(proto.TypeJoin, proto.RoomPayload{
		RoomCode: strings.ToUpper(strings.TrimSpace(code)),
	})
	if err != nil {
		return err
	}
	m.relay.Send(msg)
	return nil
}

// Leave exits the current room and drops the transport, resetting the
// session to offline. Teardown of peer connections runs regardless of
// whether the leave message could still be sent.
func (m *Manager) Leave() {
	m.relay.Send(proto.Message{Type: proto.TypeLeave})
	m.teardownRoom()
	m.relay.Close()
}

// Close ends the session entirely.
func (m *Manager) Close() {
	m.teardownRoom()
	m.relay.Close()
}

// teardownRoom drops room state, the relay-assigned identity, and every
// peer connection. A fresh engine takes over so a later host/join
// starts clean.
func (m *Manager) teardownRoom() {
	old := m.Engine()
	m.mu.Lock()
	m.roomCode = ""
	m.isHost = false
	m.clientID = 0
	m.engine = m.newEngine()
	m.mu.Unlock()
	old.Close()
}

// dispatch routes one relay message. The type set is closed; anything
// outside it is dropped with a log line.
func (m *Manager) dispatch(msg proto.Message) {
	switch msg.Type {
	case proto.TypeConnected:
		var p proto.ConnectedPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.mu.Lock()
		m.clientID = p.ID
		m.mu.Unlock()
		log.Printf("SESSION: connected as client %d", p.ID)

	case proto.TypeHosted:
		var p proto.RoomPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.mu.Lock()
		m.roomCode = p.RoomCode
		m.isHost = true
		m.mu.Unlock()
		log.Printf("SESSION: hosting room %s", p.RoomCode)

	case proto.TypeJoined:
		var p proto.RoomPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.mu.Lock()
		m.roomCode = p.RoomCode
		m.isHost = false
		m.mu.Unlock()
		log.Printf("SESSION: joined room %s", p.RoomCode)
		m.shareLibrary(proto.TypeShareLibrary)
		m.requestState()

	case proto.TypeLeft:
		log.Printf("SESSION: left room")
		m.teardownRoom()
		m.relay.Close()

	case proto.TypeError:
		var p proto.ErrorPayload
		_ = msg.Decode(&p)
		log.Printf("SESSION: relay error: %s", p.Message)
		m.teardownRoom()
		m.relay.Fail()

	case proto.TypeShareLibrary:
		// The peer's opening share: merge it and answer with ours.
		m.applyLibrary(msg)
		m.shareLibrary(proto.TypeLibraryUpdate)

	case proto.TypeLibraryUpdate:
		m.applyLibrary(msg)

	case proto.TypeRequestLibraryShare:
		m.shareLibrary(proto.TypeLibraryUpdate)

	case proto.TypeSharePlaylist, proto.TypePlaylistUpdate:
		var p proto.PlaylistPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.applyPlaylist(p.Playlist)

	case proto.TypeShareQueue, proto.TypeQueueUpdate:
		var p proto.QueuePayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.applyQueue(p.Queue)

	case proto.TypeRequestSongFile:
		var p proto.RequestSongFilePayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.Engine().HandleRequestSongFile(p)

	case proto.TypeSongFileNotFound:
		var p proto.SongFileNotFoundPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.Engine().HandleNotFound(p)

	case proto.TypeWebRTCOffer:
		var p proto.OfferPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.Engine().HandleOffer(p)

	case proto.TypeWebRTCAnswer:
		var p proto.AnswerPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.Engine().HandleAnswer(p)

	case proto.TypeICECandidate:
		var p proto.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.Engine().HandleCandidate(p)

	case proto.TypeFullSync:
		var p proto.FullSyncPayload
		if err := msg.Decode(&p); err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		m.handleFullSync(p)

	default:
		log.Printf("SESSION: unknown message type %q, dropped", msg.Type)
	}
}

// shareLibrary sends the local-origin library under the given type.
func (m *Manager) shareLibrary(t proto.Type) {
	share, err := m.recon.LocalShare()
	if err != nil {
		log.Printf("SESSION: build library share: %v", err)
		return
	}
	if share == nil {
		share = []proto.SongMeta{}
	}
	msg, err := proto.New(t, proto.LibraryPayload{Library: share})
	if err != nil {
		log.Printf("SESSION: %v", err)
		return
	}
	m.relay.Send(msg)
	log.Printf("SESSION: shared %d songs", len(share))
}

func (m *Manager) applyLibrary(msg proto.Message) {
	var p proto.LibraryPayload
	if err := msg.Decode(&p); err != nil {
		log.Printf("SESSION: %v", err)
		return
	}
	if _, err := m.recon.ApplyUpdate(p.Library); err != nil {
		log.Printf("SESSION: apply library update: %v", err)
	}
}

// NotifyLibraryChanged pushes a fresh share to the peer. Called after
// imports and completed downloads so the peer's view follows local
// changes instead of polling.
func (m *Manager) NotifyLibraryChanged() {
	if m.RoomCode() == "" {
		return
	}
	m.shareLibrary(proto.TypeLibraryUpdate)
}

func (m *Manager) onDownloadComplete(sg library.Song) {
	log.Printf("SESSION: downloaded %q — %q", sg.Title, sg.Artist)
	m.NotifyLibraryChanged()
}

// SyncCommon queues every local song the peer also has, skipping ones
// already queued.
func (m *Manager) SyncCommon() (int, error) {
	common, err := m.recon.CommonWithRemote()
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(common))
	for _, sg := range common {
		ids = append(ids, sg.ID)
	}
	added := m.player.Enqueue(ids...)
	log.Printf("SESSION: queued %d common songs", added)
	return added, nil
}

// SharePlaylist sends one saved playlist to the peer, keyed by song
// key so the receiver resolves against its own library.
func (m *Manager) SharePlaylist(p library.Playlist) error {
	keys := make([]string, 0, len(p.SongIDs))
	for _, id := range p.SongIDs {
		sg, ok, err := m.store.Get(id)
		if err != nil {
			return err
		}
		if ok {
			keys = append(keys, sg.Key())
		}
	}
	msg, err := proto.New(proto.TypeSharePlaylist, proto.PlaylistPayload{
		Playlist: proto.PlaylistMeta{ID: p.ID, Name: p.Name, SongKeys: keys},
	})
	if err != nil {
		return err
	}
	m.relay.Send(msg)
	return nil
}

// applyPlaylist stores a received playlist, resolving its song keys to
// local ids. Keys with no local entry are skipped.
func (m *Manager) applyPlaylist(meta proto.PlaylistMeta) {
	ids, dropped := m.resolveKeys(meta.SongKeys)
	if dropped > 0 {
		log.Printf("SESSION: playlist %q: %d songs not in library, skipped", meta.Name, dropped)
	}
	if err := m.store.PutPlaylist(library.Playlist{ID: meta.ID, Name: meta.Name, SongIDs: ids}); err != nil {
		log.Printf("SESSION: store playlist %q: %v", meta.Name, err)
		return
	}
	log.Printf("SESSION: received playlist %q (%d songs)", meta.Name, len(ids))
}

// ShareQueue sends the current queue as song keys.
func (m *Manager) ShareQueue() error {
	queue, _ := m.player.Queue()
	keys := make([]string, 0, len(queue))
	for _, id := range queue {
		sg, ok, err := m.store.Get(id)
		if err != nil {
			return err
		}
		if ok {
			keys = append(keys, sg.Key())
		}
	}
	msg, err := proto.New(proto.TypeShareQueue, proto.QueuePayload{Queue: keys})
	if err != nil {
		return err
	}
	m.relay.Send(msg)
	return nil
}

// applyQueue replaces the queue with a received one, resolved to local
// ids. Playback does not start on its own.
func (m *Manager) applyQueue(keys []string) {
	ids, dropped := m.resolveKeys(keys)
	if dropped > 0 {
		log.Printf("SESSION: shared queue: %d songs not in library, skipped", dropped)
	}
	m.player.SetQueue(ids, 0)
	log.Printf("SESSION: queue replaced with %d shared songs", len(ids))
}

// resolveKeys maps song keys to local ids, library order, one id per
// key occurrence.
func (m *Manager) resolveKeys(keys []string) (ids []string, dropped int) {
	songs, err := m.store.All()
	if err != nil {
		log.Printf("SESSION: resolve keys: %v", err)
		return nil, len(keys)
	}
	byKey := make(map[string]string, len(songs))
	for _, sg := range songs {
		if _, ok := byKey[sg.Key()]; !ok {
			byKey[sg.Key()] = sg.ID
		}
	}
	for _, k := range keys {
		if id, ok := byKey[k]; ok {
			ids = append(ids, id)
		} else {
			dropped++
		}
	}
	return ids, dropped
}

// broadcastState pushes a playback snapshot to the peer. Fired by the
// player after local mutations.
func (m *Manager) broadcastState(snap proto.FullSyncPayload) {
	if m.RoomCode() == "" {
		return
	}
	if snap.QueueIDs == nil {
		snap.QueueIDs = []string{}
	}
	msg, err := proto.New(proto.TypeFullSync, snap)
	if err != nil {
		log.Printf("SESSION: %v", err)
		return
	}
	m.relay.Send(msg)
}

// requestState asks the room for the current playback state. Sent by
// the joiner right after joining; only the host answers.
func (m *Manager) requestState() {
	m.relay.Send(proto.Message{Type: proto.TypeFullSync, Payload: []byte("{}")})
}

// handleFullSync applies a snapshot, or answers a pull request when
// hosting. A non-host ignores pulls so two clients never answer the
// same request.
func (m *Manager) handleFullSync(p proto.FullSyncPayload) {
	if p.IsStateRequest() {
		if !m.IsHost() {
			return
		}
		m.broadcastState(m.player.Snapshot())
		return
	}
	m.player.ApplySnapshot(p)
}
