package relayserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/tandem-sync/tandem/internal/proto"
	"github.com/tandem-sync/tandem/internal/relay"
	"github.com/tandem-sync/tandem/internal/relayserver"
)

func startServer(t *testing.T) *relayserver.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := relayserver.New("127.0.0.1:0")
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	return srv
}

func connectClient(t *testing.T, url string) (*relay.Client, chan proto.Message) {
	t.Helper()
	ch := make(chan proto.Message, 32)
	c := relay.NewClient(url)
	c.OnMessage(func(m proto.Message) { ch <- m })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c, ch
}

func expect(t *testing.T, ch <-chan proto.Message, want proto.Type) proto.Message {
	t.Helper()
	select {
	case m := <-ch:
		if m.Type != want {
			t.Fatalf("got %s, want %s", m.Type, want)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
		return proto.Message{}
	}
}

func expectSilence(t *testing.T, ch <-chan proto.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected %s", m.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRelayEndToEnd(t *testing.T) {
	srv := startServer(t)

	host, hostCh := connectClient(t, srv.URL())
	var connected proto.ConnectedPayload
	if err := expect(t, hostCh, proto.TypeConnected).Decode(&connected); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hostID := connected.ID

	host.Send(proto.Message{Type: proto.TypeHost})
	var room proto.RoomPayload
	if err := expect(t, hostCh, proto.TypeHosted).Decode(&room); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(room.RoomCode) != 4 {
		t.Fatalf("room code = %q, want 4 characters", room.RoomCode)
	}

	guest, guestCh := connectClient(t, srv.URL())
	if err := expect(t, guestCh, proto.TypeConnected).Decode(&connected); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	guestID := connected.ID
	if guestID == hostID {
		t.Fatalf("both clients got id %d", hostID)
	}

	t.Run("join unknown room", func(t *testing.T) {
		msg, _ := proto.New(proto.TypeJoin, proto.RoomPayload{RoomCode: "----"})
		guest.Send(msg)
		var e proto.ErrorPayload
		if err := expect(t, guestCh, proto.TypeError).Decode(&e); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if e.Message == "" {
			t.Fatalf("error without message")
		}
	})

	t.Run("join", func(t *testing.T) {
		msg, _ := proto.New(proto.TypeJoin, proto.RoomPayload{RoomCode: room.RoomCode})
		guest.Send(msg)
		var joined proto.RoomPayload
		if err := expect(t, guestCh, proto.TypeJoined).Decode(&joined); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if joined.RoomCode != room.RoomCode {
			t.Fatalf("joined %q, want %q", joined.RoomCode, room.RoomCode)
		}
	})

	t.Run("broadcast skips sender", func(t *testing.T) {
		msg, _ := proto.New(proto.TypeShareLibrary, proto.LibraryPayload{
			Library: []proto.SongMeta{{ID: "s1", Title: "One", Artist: "X"}},
		})
		host.Send(msg)

		var lib proto.LibraryPayload
		if err := expect(t, guestCh, proto.TypeShareLibrary).Decode(&lib); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(lib.Library) != 1 || lib.Library[0].ID != "s1" {
			t.Fatalf("library = %+v", lib.Library)
		}
		expectSilence(t, hostCh)
	})

	t.Run("targeted delivery", func(t *testing.T) {
		msg, _ := proto.New(proto.TypeSongFileNotFound, proto.SongFileNotFoundPayload{
			SongKey: "one|x", Target: guestID,
		})
		host.Send(msg)

		var nf proto.SongFileNotFoundPayload
		if err := expect(t, guestCh, proto.TypeSongFileNotFound).Decode(&nf); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if nf.SongKey != "one|x" {
			t.Fatalf("payload = %+v", nf)
		}
		expectSilence(t, hostCh)
	})

	t.Run("targeted at self goes nowhere", func(t *testing.T) {
		msg, _ := proto.New(proto.TypeSongFileNotFound, proto.SongFileNotFoundPayload{
			SongKey: "one|x", Target: hostID,
		})
		host.Send(msg)
		expectSilence(t, hostCh)
		expectSilence(t, guestCh)
	})

	t.Run("leave", func(t *testing.T) {
		guest.Send(proto.Message{Type: proto.TypeLeave})
		expect(t, guestCh, proto.TypeLeft)

		// Guest is out of the room now; host broadcasts reach nobody.
		msg, _ := proto.New(proto.TypeShareLibrary, proto.LibraryPayload{})
		host.Send(msg)
		expectSilence(t, guestCh)
	})
}
