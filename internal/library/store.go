package library

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists songs, playlists, and small key-value state in a
// SQLite database. Audio payloads live in a blob column and are only
// loaded on demand; listing the library never touches them.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenStore opens or creates the library database in dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "library.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS songs (
			id        TEXT PRIMARY KEY,
			title     TEXT NOT NULL,
			artist    TEXT DEFAULT '',
			album     TEXT DEFAULT '',
			duration  REAL DEFAULT 0,
			album_art TEXT DEFAULT '',
			is_remote INTEGER DEFAULT 0,
			audio     BLOB
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create songs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS playlists (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			song_ids   TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create playlists table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// All returns every song in the library, import order, without audio.
func (s *Store) All() ([]Song, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, artist, album, duration, album_art, is_remote
		FROM songs ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Song
	for rows.Next() {
		var sg Song
		var remote int
		if err := rows.Scan(&sg.ID, &sg.Title, &sg.Artist, &sg.Album, &sg.Duration, &sg.AlbumArt, &remote); err != nil {
			return nil, err
		}
		sg.IsRemote = remote != 0
		out = append(out, sg)
	}
	return out, rows.Err()
}

// Get returns one song by id. The second return is false when the id
// is unknown.
func (s *Store) Get(id string) (Song, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sg Song
	var remote int
	err := s.db.QueryRow(`
		SELECT id, title, artist, album, duration, album_art, is_remote
		FROM songs WHERE id = ?`, id).
		Scan(&sg.ID, &sg.Title, &sg.Artist, &sg.Album, &sg.Duration, &sg.AlbumArt, &remote)
	if errors.Is(err, sql.ErrNoRows) {
		return Song{}, false, nil
	}
	if err != nil {
		return Song{}, false, err
	}
	sg.IsRemote = remote != 0
	return sg, true, nil
}

// Put upserts a song's metadata. An existing row keeps its audio blob.
func (s *Store) Put(sg Song) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO songs (id, title, artist, album, duration, album_art, is_remote)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			album = excluded.album,
			duration = excluded.duration,
			album_art = excluded.album_art,
			is_remote = excluded.is_remote`,
		sg.ID, sg.Title, sg.Artist, sg.Album, sg.Duration, sg.AlbumArt, boolInt(sg.IsRemote))
	return err
}

// UpdateMeta rewrites the editable metadata of a song.
func (s *Store) UpdateMeta(id, title, artist, album string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE songs SET title = ?, artist = ?, album = ? WHERE id = ?`,
		title, artist, album, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("song %s not found", id)
	}
	return nil
}

// Delete removes a song and its audio.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM songs WHERE id = ?`, id)
	return err
}

// Audio returns the stored audio payload for a song, or nil when the
// entry has none.
func (s *Store) Audio(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow(`SELECT audio FROM songs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetAudio attaches an audio payload to an existing song.
func (s *Store) SetAudio(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE songs SET audio = ? WHERE id = ?`, data, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("song %s not found", id)
	}
	return nil
}

// Promote turns a remote-origin entry into a local one: attaches the
// transferred audio, clears is_remote, and optionally replaces the
// artwork.
func (s *Store) Promote(id string, audio []byte, albumArt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if albumArt != "" {
		res, err = s.db.Exec(`UPDATE songs SET audio = ?, is_remote = 0, album_art = ? WHERE id = ?`,
			audio, albumArt, id)
	} else {
		res, err = s.db.Exec(`UPDATE songs SET audio = ?, is_remote = 0 WHERE id = ?`, audio, id)
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("song %s not found", id)
	}
	return nil
}

// Playlists returns all saved playlists.
func (s *Store) Playlists() ([]Playlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, song_ids FROM playlists ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Playlist
	for rows.Next() {
		var p Playlist
		var ids string
		if err := rows.Scan(&p.ID, &p.Name, &ids); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &p.SongIDs); err != nil {
			return nil, fmt.Errorf("playlist %s song ids: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutPlaylist upserts a playlist.
func (s *Store) PutPlaylist(p Playlist) error {
	ids, err := json.Marshal(p.SongIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO playlists (id, name, song_ids) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, song_ids = excluded.song_ids`,
		p.ID, p.Name, string(ids))
	return err
}

// DeletePlaylist removes a playlist.
func (s *Store) DeletePlaylist(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM playlists WHERE id = ?`, id)
	return err
}

// MetaGet reads a value from the meta table, "" when absent.
func (s *Store) MetaGet(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// MetaSet writes a value to the meta table.
func (s *Store) MetaSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
