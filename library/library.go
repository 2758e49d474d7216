package library

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/xeptore/quefi/types"
)

var playlistsBucketName = []byte("playlists")

var ErrPlaylistNotFound = errors.New("playlist not found in library")

// Store keeps download outcomes per playlist, keyed by track index so the
// stored order never depends on completion order.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	opts := &bbolt.Options{ //nolint:exhaustruct
		NoFreelistSync: true,
		ReadOnly:       false,
		Timeout:        1 * time.Second,
		NoGrowSync:     false,
		FreelistType:   bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if nil != err {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := createBuckets(db); nil != err {
		return nil, errors.Join(err, db.Close())
	}

	return &Store{db: db}, nil
}

func createBuckets(db *bbolt.DB) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(playlistsBucketName); nil != err {
			return fmt.Errorf("failed to create playlists bucket: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to create buckets: %v", err)
	}

	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("failed to close database: %v", err)
	}

	return nil
}

func indexKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i)) //nolint:gosec

	return k
}

// Write stores entry at its index, replacing an earlier outcome of the same
// track.
func (s *Store) Write(_ context.Context, entry types.LibraryEntry) error {
	if entry.Index < 0 {
		return fmt.Errorf("invalid entry index: %d", entry.Index)
	}

	if len(entry.PlaylistID) == 0 {
		return errors.New("entry has no playlist id")
	}

	value, err := json.Marshal(entry)
	if nil != err {
		return fmt.Errorf("failed to encode library entry: %v", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(playlistsBucketName).CreateBucketIfNotExists([]byte(entry.PlaylistID))
		if nil != err {
			return fmt.Errorf("failed to create playlist bucket: %v", err)
		}

		if err := b.Put(indexKey(entry.Index), value); nil != err {
			return fmt.Errorf("failed to put library entry: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to store library entry: %v", err)
	}

	return nil
}

// Playlist returns the stored entries of playlist id ordered by index.
func (s *Store) Playlist(_ context.Context, id string) ([]types.LibraryEntry, error) {
	var entries []types.LibraryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(playlistsBucketName).Bucket([]byte(id))
		if nil == b {
			return ErrPlaylistNotFound
		}

		entries = make([]types.LibraryEntry, 0, b.Stats().KeyN)

		return b.ForEach(func(k, v []byte) error {
			var entry types.LibraryEntry
			if err := json.Unmarshal(v, &entry); nil != err {
				return fmt.Errorf("failed to decode library entry %d: %v", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, entry)

			return nil
		})
	})
	if nil != err {
		if errors.Is(err, ErrPlaylistNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlaylistNotFound, id)
		}

		return nil, fmt.Errorf("failed to load playlist: %v", err)
	}

	return entries, nil
}

// Playlists lists the ids of every stored playlist.
func (s *Store) Playlists(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(playlistsBucketName).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if nil != err {
		return nil, fmt.Errorf("failed to list playlists: %v", err)
	}

	return ids, nil
}
