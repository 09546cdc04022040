// Package social tracks friendships and per-user notifications and pushes
// changes to each user's listeners.
package social

import (
	"github.com/npezzotti/scene-rooms/internal/types"
)

var DefaultUsers = []types.User{
	{Id: "user-1", Name: "User 1"},
	{Id: "user-2", Name: "User 2"},
}

// Directory is the fixed set of users that may sign in.
type Directory struct {
	users []types.User
	byId  map[string]types.User
}

// NewDirectory builds a directory from users, falling back to DefaultUsers
// when none are given. Later duplicates of an id are ignored.
func NewDirectory(users []types.User) *Directory {
	if len(users) == 0 {
		users = DefaultUsers
	}

	d := &Directory{byId: make(map[string]types.User, len(users))}
	for _, u := range users {
		if _, dup := d.byId[u.Id]; dup {
			continue
		}
		d.byId[u.Id] = u
		d.users = append(d.users, u)
	}

	return d
}

func (d *Directory) Users() []types.User {
	return append([]types.User(nil), d.users...)
}

func (d *Directory) Lookup(id string) (types.User, bool) {
	u, ok := d.byId[id]
	return u, ok
}
