// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/tandem-sync/tandem/internal/config"
	"github.com/tandem-sync/tandem/internal/library"
	"github.com/tandem-sync/tandem/internal/player"
	"github.com/tandem-sync/tandem/internal/relayserver"
	"github.com/tandem-sync/tandem/internal/session"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Tandem v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: tandem client <directory>")
			os.Exit(1)
		}
		runClient(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: tandem relay <directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func loadConfig(dirArg string) (string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "tandem.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runRelay(dirArg string) {
	cfgPath, cfg := loadConfig(dirArg)
	log.Printf("Config: %s", cfgPath)

	ctx, cancel := signalContext()
	defer cancel()

	srv := relayserver.New(cfg.Relay.ListenAddr)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
	fmt.Printf("Relay hub running at %s (Press Ctrl+C to stop)\n", srv.URL())
	<-ctx.Done()
}

func runClient(dirArg string) {
	cfgPath, cfg := loadConfig(dirArg)
	log.Printf("Config: %s", cfgPath)

	ctx, cancel := signalContext()
	defer cancel()

	store, err := library.OpenStore(cfg.Paths.DataDir)
	if err != nil {
		log.Fatalf("Open library: %v", err)
	}
	defer store.Close()
	log.Printf("Library: %s", store.Path())

	pl := player.New(store, cfg.Player, nil)
	pl.RestoreQueue()

	mgr := session.NewManager(cfg, store, pl)
	defer mgr.Close()

	if cfg.Paths.MusicDir != "" {
		im := library.NewImporter(store, cfg.Paths.MusicDir, func(library.Song) {
			mgr.NotifyLibraryChanged()
		})
		if err := im.Start(); err != nil {
			log.Fatalf("Music import: %v", err)
		}
		defer im.Close()
	}

	fmt.Println("Tandem client ready. Type 'help' for commands, Ctrl+C to stop.")
	go commandLoop(ctx, cancel, mgr, pl, store)
	<-ctx.Done()
}

func commandLoop(ctx context.Context, cancel context.CancelFunc, mgr *session.Manager, pl *player.Player, store *library.Store) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			printCommands()
		case "host":
			if err := mgr.Host(ctx); err != nil {
				fmt.Printf("host: %v\n", err)
			}
		case "join":
			if len(args) != 1 {
				fmt.Println("usage: join <ROOM>")
				continue
			}
			if err := mgr.Join(ctx, args[0]); err != nil {
				fmt.Printf("join: %v\n", err)
			}
		case "leave":
			mgr.Leave()
		case "status":
			printStatus(mgr, pl)
		case "list":
			printLibrary(store)
		case "rm":
			if len(args) != 1 {
				fmt.Println("usage: rm <n>")
				continue
			}
			sg, ok := songByIndex(store, args[0])
			if !ok {
				fmt.Println("usage: rm <n>   (n as shown by 'list')")
				continue
			}
			if err := store.Delete(sg.ID); err != nil {
				fmt.Printf("rm: %v\n", err)
				continue
			}
			fmt.Printf("removed %q\n", sg.Title)
			mgr.NotifyLibraryChanged()
		case "rename":
			if len(args) < 2 {
				fmt.Println("usage: rename <n> <new title>")
				continue
			}
			sg, ok := songByIndex(store, args[0])
			if !ok {
				fmt.Println("usage: rename <n> <new title>")
				continue
			}
			title := strings.Join(args[1:], " ")
			if err := store.UpdateMeta(sg.ID, title, sg.Artist, sg.Album); err != nil {
				fmt.Printf("rename: %v\n", err)
				continue
			}
			fmt.Printf("renamed %q to %q\n", sg.Title, title)
			mgr.NotifyLibraryChanged()
		case "compare":
			printComparison(mgr, store)
		case "sync":
			if _, err := mgr.SyncCommon(); err != nil {
				fmt.Printf("sync: %v\n", err)
			}
		case "download":
			if len(args) == 0 {
				go func() {
					if err := mgr.Engine().DownloadAllMissing(); err != nil {
						fmt.Printf("download: %v\n", err)
					}
				}()
				continue
			}
			sg, ok := songByIndex(store, args[0])
			if !ok {
				fmt.Println("usage: download [n]   (n as shown by 'list')")
				continue
			}
			mgr.Engine().RequestSong(sg.Key())
		case "play":
			pl.Play()
		case "pause":
			pl.Pause()
		case "next":
			pl.Next()
		case "prev":
			pl.Previous()
		case "seek":
			if len(args) != 1 {
				fmt.Println("usage: seek <seconds>")
				continue
			}
			pos, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				fmt.Println("usage: seek <seconds>")
				continue
			}
			pl.Seek(pos)
		case "shuffle":
			snap := pl.Snapshot()
			pl.SetShuffle(!snap.Shuffle)
			fmt.Printf("shuffle %v\n", !snap.Shuffle)
		case "loop":
			snap := pl.Snapshot()
			pl.SetLoop(!snap.Loop)
			fmt.Printf("loop %v\n", !snap.Loop)
		case "sendqueue":
			if err := mgr.ShareQueue(); err != nil {
				fmt.Printf("sendqueue: %v\n", err)
			}
		case "playlists":
			printPlaylists(store)
		case "saveplaylist":
			if len(args) == 0 {
				fmt.Println("usage: saveplaylist <name>")
				continue
			}
			queue, _ := pl.Queue()
			if len(queue) == 0 {
				fmt.Println("queue is empty")
				continue
			}
			p := library.Playlist{ID: uuid.NewString(), Name: strings.Join(args, " "), SongIDs: queue}
			if err := store.PutPlaylist(p); err != nil {
				fmt.Printf("saveplaylist: %v\n", err)
				continue
			}
			fmt.Printf("saved %q (%d songs)\n", p.Name, len(p.SongIDs))
		case "loadplaylist":
			p, ok := playlistByIndex(store, args)
			if !ok {
				continue
			}
			pl.SetQueue(p.SongIDs, 0)
			fmt.Printf("queue replaced with %q\n", p.Name)
		case "delplaylist":
			p, ok := playlistByIndex(store, args)
			if !ok {
				continue
			}
			if err := store.DeletePlaylist(p.ID); err != nil {
				fmt.Printf("delplaylist: %v\n", err)
			}
		case "shareplaylist":
			p, ok := playlistByIndex(store, args)
			if !ok {
				continue
			}
			if err := mgr.SharePlaylist(p); err != nil {
				fmt.Printf("shareplaylist: %v\n", err)
			}
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Printf("unknown command %q, try 'help'\n", cmd)
		}
	}
}

func printCommands() {
	fmt.Println("Session:   host | join <ROOM> | leave | status")
	fmt.Println("Library:   list | rm <n> | rename <n> <title> | compare | sync | download [n]")
	fmt.Println("Player:    play | pause | next | prev | seek <s> | shuffle | loop | sendqueue")
	fmt.Println("Playlists: playlists | saveplaylist <name> | loadplaylist <n> | delplaylist <n> | shareplaylist <n>")
	fmt.Println("General:   help | quit")
}

// songByIndex resolves a 1-based library index as printed by 'list'.
func songByIndex(store *library.Store, arg string) (library.Song, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return library.Song{}, false
	}
	songs, err := store.All()
	if err != nil || n < 1 || n > len(songs) {
		return library.Song{}, false
	}
	return songs[n-1], true
}

// playlistByIndex resolves a 1-based playlist index as printed by
// 'playlists'.
func playlistByIndex(store *library.Store, args []string) (library.Playlist, bool) {
	if len(args) != 1 {
		fmt.Println("usage: <command> <n>   (n as shown by 'playlists')")
		return library.Playlist{}, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("playlist index must be a number")
		return library.Playlist{}, false
	}
	lists, err := store.Playlists()
	if err != nil {
		fmt.Printf("playlists: %v\n", err)
		return library.Playlist{}, false
	}
	if n < 1 || n > len(lists) {
		fmt.Printf("no playlist %d\n", n)
		return library.Playlist{}, false
	}
	return lists[n-1], true
}

func printPlaylists(store *library.Store) {
	lists, err := store.Playlists()
	if err != nil {
		fmt.Printf("playlists: %v\n", err)
		return
	}
	if len(lists) == 0 {
		fmt.Println("no playlists saved")
		return
	}
	for i, p := range lists {
		fmt.Printf("%3d %q (%d songs)\n", i+1, p.Name, len(p.SongIDs))
	}
}

func printStatus(mgr *session.Manager, pl *player.Player) {
	fmt.Printf("relay: %s", mgr.Relay().Status())
	if id := mgr.ClientID(); id != 0 {
		fmt.Printf(", client %d", id)
	}
	if room := mgr.RoomCode(); room != "" {
		role := "guest"
		if mgr.IsHost() {
			role = "host"
		}
		fmt.Printf(", room %s (%s)", room, role)
	}
	fmt.Println()

	snap := pl.Snapshot()
	if sg, ok := pl.Current(); ok {
		state := "paused"
		if snap.IsPlaying {
			state = "playing"
		}
		fmt.Printf("%s: %q — %q at %.1fs (%d/%d in queue)\n",
			state, sg.Title, sg.Artist, snap.CurrentTime, snap.CurrentSongIndex+1, len(snap.QueueIDs))
	} else {
		fmt.Println("queue empty")
	}
}

func printLibrary(store *library.Store) {
	songs, err := store.All()
	if err != nil {
		fmt.Printf("list: %v\n", err)
		return
	}
	for i, sg := range songs {
		mark := " "
		if sg.IsRemote {
			mark = "*"
		}
		fmt.Printf("%3d %s %q — %q\n", i+1, mark, sg.Title, sg.Artist)
	}
	fmt.Printf("%d songs (* = remote, not yet downloaded)\n", len(songs))
}

func printComparison(mgr *session.Manager, store *library.Store) {
	remote := mgr.Reconciler().RemoteSnapshot()
	if len(remote) == 0 {
		fmt.Println("no library received from peer yet")
		return
	}
	songs, err := store.All()
	if err != nil {
		fmt.Printf("compare: %v\n", err)
		return
	}
	var local []library.Song
	for _, sg := range songs {
		if !sg.IsRemote {
			local = append(local, sg)
		}
	}
	c := library.Compare(local, remote)
	fmt.Printf("common: %d, only here: %d, only peer: %d\n", len(c.Common), len(c.LocalOnly), len(c.RemoteOnly))
	fmt.Printf("overlap: %d%% of yours, %d%% of theirs\n", c.LocalPercentage, c.RemotePercentage)
}

func showUsage() {
	fmt.Println("Tandem - synchronized music sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tandem client <directory>   Run a listening client")
	fmt.Println("  tandem relay <directory>    Run the relay hub")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Run a client from the specified directory")
	fmt.Println("        A tandem.json config is created there on first run")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the relay hub clients connect through")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Start a relay hub")
	fmt.Println("  tandem relay ./hub")
	fmt.Println()
	fmt.Println("  # Start a client and host a room")
	fmt.Println("  tandem client ./me")
}
