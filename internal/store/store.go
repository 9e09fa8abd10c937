package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/alexjbarnes/convsync/internal/messaging"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the database directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// DefaultHistoryLimit is the number of messages returned by History
	// when no limit is given.
	DefaultHistoryLimit = 100
)

// seqBucket holds the message id sequence. Ids are global so one push
// stream can carry every conversation of a user without collisions.
var seqBucket = []byte("seq")

// Key names one conversation's storage.
type Key string

// ChannelKey returns the key of a group channel.
func ChannelKey(channelID int64) Key {
	return Key("channel:" + strconv.FormatInt(channelID, 10))
}

// DirectKey returns the key of the direct conversation between two users.
// It is symmetric: DirectKey(a, b) == DirectKey(b, a).
func DirectKey(a, b int64) Key {
	lo, hi := min(a, b), max(a, b)
	return Key("direct:" + strconv.FormatInt(lo, 10) + ":" + strconv.FormatInt(hi, 10))
}

func messagesBucket(k Key) []byte {
	return []byte("conv:" + string(k) + ":messages")
}

func clientIDsBucket(k Key) []byte {
	return []byte("conv:" + string(k) + ":client_ids")
}

func membersBucket(channelID int64) []byte {
	return []byte("channel:" + strconv.FormatInt(channelID, 10) + ":members")
}

// idKey encodes an id big-endian so bucket order is id order.
func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))

	return b
}

// Store wraps a bbolt database holding messages and channel membership.
type Store struct {
	db *bolt.DB
}

// Open opens the database at path, creating it if it does not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(seqBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append assigns msg the next id and a creation time and stores it. A
// message whose sender already stored the same ClientID in this
// conversation is not stored twice; the original is returned with
// created false.
func (s *Store) Append(k Key, msg messaging.Message) (stored messaging.Message, created bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		msgs, err := tx.CreateBucketIfNotExists(messagesBucket(k))
		if err != nil {
			return err
		}

		clientIDs, err := tx.CreateBucketIfNotExists(clientIDsBucket(k))
		if err != nil {
			return err
		}

		var dedupKey []byte
		if msg.ClientID != "" {
			dedupKey = []byte(strconv.FormatInt(msg.SenderID, 10) + ":" + msg.ClientID)

			if existing := clientIDs.Get(dedupKey); existing != nil {
				data := msgs.Get(existing)
				if data == nil {
					return fmt.Errorf("client id index points at missing message")
				}

				return json.Unmarshal(data, &stored)
			}
		}

		seq, err := tx.Bucket(seqBucket).NextSequence()
		if err != nil {
			return err
		}

		msg.ID = int64(seq)
		msg.CreatedAt = time.Now().UTC()

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		if err := msgs.Put(idKey(msg.ID), data); err != nil {
			return err
		}

		if dedupKey != nil {
			if err := clientIDs.Put(dedupKey, idKey(msg.ID)); err != nil {
				return err
			}
		}

		stored, created = msg, true

		return nil
	})
	if err != nil {
		return messaging.Message{}, false, fmt.Errorf("appending to %s: %w", k, err)
	}

	return stored, created, nil
}

// History returns up to limit messages in ascending id order. With
// after > 0 these are the oldest messages whose id is above after, so a
// reader can page forward without gaps; otherwise the most recent ones.
// limit <= 0 means DefaultHistoryLimit.
func (s *Store) History(k Key, after int64, limit int) ([]messaging.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var out []messaging.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(k))
		if b == nil {
			return nil
		}

		c := b.Cursor()

		if after > 0 {
			for key, v := c.Seek(idKey(after + 1)); key != nil && len(out) < limit; key, v = c.Next() {
				var m messaging.Message
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}

				out = append(out, m)
			}

			return nil
		}

		for key, v := c.Last(); key != nil && len(out) < limit; key, v = c.Prev() {
			var m messaging.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)
		}

		// Collected newest first.
		slices.Reverse(out)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", k, err)
	}

	return out, nil
}

// Join adds userID to the channel. It reports whether the user was not
// already a member.
func (s *Store) Join(channelID, userID int64) (bool, error) {
	var added bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(membersBucket(channelID))
		if err != nil {
			return err
		}

		key := idKey(userID)
		if b.Get(key) != nil {
			return nil
		}

		added = true

		return b.Put(key, []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("joining channel %d: %w", channelID, err)
	}

	return added, nil
}

// Leave removes userID from the channel. It reports whether the user was
// a member.
func (s *Store) Leave(channelID, userID int64) (bool, error) {
	var removed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(membersBucket(channelID))
		if b == nil || b.Get(idKey(userID)) == nil {
			return nil
		}

		removed = true

		return b.Delete(idKey(userID))
	})
	if err != nil {
		return false, fmt.Errorf("leaving channel %d: %w", channelID, err)
	}

	return removed, nil
}

// Members returns the user ids of a channel in ascending order.
func (s *Store) Members(channelID int64) ([]int64, error) {
	var ids []int64

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(membersBucket(channelID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing members of channel %d: %w", channelID, err)
	}

	return ids, nil
}
