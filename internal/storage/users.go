package storage

import (
	"time"
)

// CachedUser is the last known profile of a remote user. It is refreshed
// whenever the user shows up in a search result or a conversation listing.
type CachedUser struct {
	UserID   string
	Username string
	Avatar   string
	LastSeen time.Time
}

// UpsertUser stores or refreshes a cached user. An empty username or avatar
// keeps the previously stored one.
func (d *DB) UpsertUser(u CachedUser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _user_cache (user_id, username, avatar, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username  = CASE WHEN excluded.username = '' THEN _user_cache.username ELSE excluded.username END,
			avatar    = CASE WHEN excluded.avatar = '' THEN _user_cache.avatar ELSE excluded.avatar END,
			last_seen = excluded.last_seen`,
		u.UserID, u.Username, u.Avatar, time.Now().UnixMilli(),
	)
	return err
}

// CachedUserByID returns the cached profile, or false if unknown.
func (d *DB) CachedUserByID(userID string) (CachedUser, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u CachedUser
	var ms int64
	err := d.db.QueryRow(`
		SELECT user_id, username, avatar, last_seen
		FROM _user_cache WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Username, &u.Avatar, &ms)
	if err != nil {
		return CachedUser{}, false
	}
	u.LastSeen = time.UnixMilli(ms)
	return u, true
}

// UserName returns just the username for a user id, or "" if unknown.
func (d *DB) UserName(userID string) string {
	u, ok := d.CachedUserByID(userID)
	if !ok {
		return ""
	}
	return u.Username
}

// ListCachedUsers returns all cached users, most recently seen first.
func (d *DB) ListCachedUsers() ([]CachedUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, username, avatar, last_seen
		FROM _user_cache ORDER BY last_seen DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []CachedUser
	for rows.Next() {
		var u CachedUser
		var ms int64
		if err := rows.Scan(&u.UserID, &u.Username, &u.Avatar, &ms); err != nil {
			return nil, err
		}
		u.LastSeen = time.UnixMilli(ms)
		users = append(users, u)
	}
	return users, rows.Err()
}
