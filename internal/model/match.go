package model

import (
	"encoding/json"
	"time"
)

// MatchRecord is the durable outcome of one finished session.
// MatchID doubles as the idempotence key: the result table keeps at most
// one row per match, and rating application is guarded per (match, user).
type MatchRecord struct {
	MatchID      string
	User1ID      int64
	User2ID      int64
	WinnerUserID int64
	TickCount    int
	EndedAt      time.Time
	Snapshot     json.RawMessage
}

// LoserUserID returns the participant that did not win.
func (r MatchRecord) LoserUserID() int64 {
	if r.WinnerUserID == r.User1ID {
		return r.User2ID
	}
	return r.User1ID
}
