// Package relayserver implements the rendezvous hub: it assigns client
// ids, manages rooms, and forwards addressed messages between room
// members. It understands only the envelope and room-control messages;
// everything else is forwarded opaquely.
package relayserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tandem-sync/tandem/internal/proto"
	"github.com/tandem-sync/tandem/internal/util"
)

const roomCodeLen = 4

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the relay hub.
type Server struct {
	addr string
	srv  *http.Server

	mu      sync.Mutex
	nextID  int
	clients map[int]*client
	rooms   map[string]*room
}

type client struct {
	id   int
	conn *websocket.Conn
	room string // room code, "" when not in a room

	writeMu sync.Mutex
}

type room struct {
	code    string
	host    int
	members map[int]*client
}

func New(addr string) *Server {
	return &Server{
		addr:    addr,
		nextID:  1,
		clients: make(map[int]*client),
		rooms:   make(map[string]*room),
	}
}

// Start listens and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("relay server error: %v", err)
		}
	}()

	log.Printf("RELAY HUB: listening on %s", s.addr)
	return nil
}

// URL returns the websocket endpoint for clients.
func (s *Server) URL() string {
	return "ws://" + s.addr + "/ws"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY HUB: upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	c := &client{id: s.nextID, conn: conn}
	s.nextID++
	s.clients[c.id] = c
	s.mu.Unlock()

	log.Printf("RELAY HUB: client %d connected from %s", c.id, r.RemoteAddr)
	c.send(mustMessage(proto.TypeConnected, proto.ConnectedPayload{ID: c.id}))

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		s.dispatch(c, msg)
	}

	s.disconnect(c)
	_ = conn.Close()
	log.Printf("RELAY HUB: client %d disconnected", c.id)
}

func (s *Server) dispatch(c *client, msg proto.Message) {
	switch msg.Type {
	case proto.TypeHost:
		s.hostRoom(c)
	case proto.TypeJoin:
		var p proto.RoomPayload
		if err := msg.Decode(&p); err != nil {
			c.send(errorMessage("bad join payload"))
			return
		}
		s.joinRoom(c, p.RoomCode)
	case proto.TypeLeave:
		s.leaveRoom(c, true)
	case "":
		c.send(errorMessage("message without type"))
	default:
		s.forward(c, msg)
	}
}

func (s *Server) hostRoom(c *client) {
	s.mu.Lock()
	s.removeFromRoomLocked(c)

	code := s.newRoomCodeLocked()
	s.rooms[code] = &room{
		code:    code,
		host:    c.id,
		members: map[int]*client{c.id: c},
	}
	c.room = code
	s.mu.Unlock()

	log.Printf("RELAY HUB: client %d hosts room %s", c.id, code)
	c.send(mustMessage(proto.TypeHosted, proto.RoomPayload{RoomCode: code}))
}

func (s *Server) joinRoom(c *client, code string) {
	s.mu.Lock()
	rm, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		c.send(errorMessage(fmt.Sprintf("room %s not found", code)))
		return
	}
	s.removeFromRoomLocked(c)
	rm.members[c.id] = c
	c.room = code
	s.mu.Unlock()

	log.Printf("RELAY HUB: client %d joined room %s", c.id, code)
	c.send(mustMessage(proto.TypeJoined, proto.RoomPayload{RoomCode: code}))
}

func (s *Server) leaveRoom(c *client, ack bool) {
	s.mu.Lock()
	s.removeFromRoomLocked(c)
	s.mu.Unlock()

	if ack {
		c.send(proto.Message{Type: proto.TypeLeft})
	}
}

// forward routes a message to its target when the type is addressed,
// otherwise to every other member of the sender's room.
func (s *Server) forward(c *client, msg proto.Message) {
	s.mu.Lock()
	rm, ok := s.rooms[c.room]
	if !ok {
		s.mu.Unlock()
		log.Printf("RELAY HUB: client %d sent %s outside a room, dropped", c.id, msg.Type)
		return
	}

	var targets []*client
	if proto.Targeted(msg.Type) {
		var tp proto.TargetedPayload
		if err := msg.Decode(&tp); err == nil {
			if m, ok := rm.members[tp.Target]; ok && m.id != c.id {
				targets = append(targets, m)
			}
		}
	} else {
		for _, m := range rm.members {
			if m.id != c.id {
				targets = append(targets, m)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.send(msg)
	}
}

// disconnect cleans up after a closed connection.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	s.removeFromRoomLocked(c)
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// removeFromRoomLocked takes c out of its room, dissolving the room
// when the host leaves or it empties. Caller holds s.mu.
func (s *Server) removeFromRoomLocked(c *client) {
	if c.room == "" {
		return
	}
	rm, ok := s.rooms[c.room]
	c.room = ""
	if !ok {
		return
	}
	delete(rm.members, c.id)
	if c.id == rm.host || len(rm.members) == 0 {
		for _, m := range rm.members {
			m.room = ""
		}
		delete(s.rooms, rm.code)
		log.Printf("RELAY HUB: room %s closed", rm.code)
	}
}

// newRoomCodeLocked generates an unused room code. Caller holds s.mu.
func (s *Server) newRoomCodeLocked() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	for {
		b := make([]byte, roomCodeLen)
		_, _ = rand.Read(b)
		for i := range b {
			b[i] = alphabet[int(b[i])%len(alphabet)]
		}
		code := string(b)
		if _, taken := s.rooms[code]; !taken {
			return code
		}
	}
}

func (c *client) send(msg proto.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("RELAY HUB: send %s to client %d failed: %v", msg.Type, c.id, err)
	}
}

func mustMessage(t proto.Type, payload any) proto.Message {
	m, err := proto.New(t, payload)
	if err != nil {
		// Payload structs are our own; marshal cannot fail.
		panic(err)
	}
	return m
}

func errorMessage(text string) proto.Message {
	return mustMessage(proto.TypeError, proto.ErrorPayload{Message: text})
}
