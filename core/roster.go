package core

import "slices"

// Roster is the set of users the remote reported as online.
//
// Roster is not safe for concurrent use.
type Roster struct {
	users map[string]struct{}
}

func NewRoster() *Roster {
	return &Roster{users: make(map[string]struct{})}
}

// Set replaces the roster with usernames.
func (r *Roster) Set(usernames []string) {
	r.users = make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		r.users[u] = struct{}{}
	}
}

func (r *Roster) Add(username string) {
	r.users[username] = struct{}{}
}

func (r *Roster) Remove(username string) {
	delete(r.users, username)
}

func (r *Roster) IsOnline(username string) bool {
	_, ok := r.users[username]
	return ok
}

// Online returns the sorted usernames.
func (r *Roster) Online() []string {
	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}
