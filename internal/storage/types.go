package storage

import (
	"github.com/vmihailenco/msgpack/v5"
)

// DBSession is the persisted form of the current-user session. It lives
// under a single fixed key so a client resumes exactly one session.
type DBSession struct {
	UserID  string `msgpack:"userId"`
	Name    string `msgpack:"name"`
	Status  string `msgpack:"status"`
	Avatar  string `msgpack:"avatar"`
	Token   string `msgpack:"token"`
	SavedAt int64  `msgpack:"savedAt"` // Unix timestamp (seconds)
}

func (s *DBSession) Key() []byte {
	return sessionKey
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}
