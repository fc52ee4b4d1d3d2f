package storage

import (
	"errors"
	"fmt"
	"time"

	"govorilka/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketSession = []byte("session")
	sessionKey    = []byte("current")

	ErrNoSession = errors.New("no saved session")
)

// BboltStorage is the durable client-side store. It holds the session
// object that lets the client resume without a fresh login.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveSession stores the current user and auth token, replacing any
// previously saved session.
func (s *BboltStorage) SaveSession(user models.CurrentUser, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		sess := &DBSession{
			UserID:  string(user.ID),
			Name:    user.Name,
			Status:  user.Status,
			Avatar:  user.Avatar,
			Token:   token,
			SavedAt: s.now().Unix(),
		}
		data, err := sess.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return b.Put(sess.Key(), data)
	})
}

// LoadSession returns the saved current user and token, or ErrNoSession
// if nothing was persisted.
func (s *BboltStorage) LoadSession() (models.CurrentUser, string, error) {
	var sess DBSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		data := b.Get(sessionKey)
		if data == nil {
			return ErrNoSession
		}
		return sess.UnmarshalBinary(data)
	})
	if err != nil {
		return models.CurrentUser{}, "", err
	}

	user := models.CurrentUser{
		ID:     models.ID(sess.UserID),
		Name:   sess.Name,
		Status: sess.Status,
		Avatar: sess.Avatar,
	}
	return user, sess.Token, nil
}

// ClearSession removes the saved session. Clearing an absent session is
// not an error.
func (s *BboltStorage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(sessionKey)
	})
}
