package social

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/scene-rooms/internal/fanout"
	"github.com/npezzotti/scene-rooms/internal/types"
)

type FriendRequestResult string

const (
	ResultSent           FriendRequestResult = "sent"
	ResultAlreadyFriends FriendRequestResult = "already_friends"
	ResultAlreadyPending FriendRequestResult = "already_pending"
	ResultSelf           FriendRequestResult = "self"
)

// Friends stores friend requests. A pair of users has at most one request
// between them, in either direction. A request is deleted on decline or when
// the friendship is removed.
type Friends struct {
	log      *log.Logger
	mu       sync.Mutex
	requests []*types.FriendRequest
	pub      *fanout.Publisher[string, types.FriendsState]
	now      func() time.Time
}

func NewFriends(logger *log.Logger) *Friends {
	f := &Friends{
		log: logger,
		now: time.Now,
	}
	f.pub = fanout.NewPublisher[string, types.FriendsState](func(key any, err error) {
		f.log.Printf("friends %v: listener: %v", key, err)
	})

	return f
}

func between(r *types.FriendRequest, a, b string) bool {
	return (r.FromUserId == a && r.ToUserId == b) || (r.FromUserId == b && r.ToUserId == a)
}

func (f *Friends) SendFriendRequest(from, to types.User) FriendRequestResult {
	if from.Id == to.Id {
		return ResultSelf
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	idx := slices.IndexFunc(f.requests, func(r *types.FriendRequest) bool {
		return between(r, from.Id, to.Id)
	})
	if idx >= 0 {
		if f.requests[idx].Status == types.FriendRequestAccepted {
			return ResultAlreadyFriends
		}
		return ResultAlreadyPending
	}

	f.requests = append(f.requests, &types.FriendRequest{
		FromUserId:   from.Id,
		FromUserName: from.Name,
		ToUserId:     to.Id,
		ToUserName:   to.Name,
		Status:       types.FriendRequestPending,
		CreatedAt:    f.now(),
	})
	f.log.Printf("friends: %s sent a request to %s", from.Id, to.Id)

	f.broadcast(to.Id)
	return ResultSent
}

// AcceptFriendRequest accepts the pending request sent by fromUserId to userId.
func (f *Friends) AcceptFriendRequest(userId, fromUserId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.pendingFrom(userId, fromUserId)
	if idx < 0 {
		return false
	}

	f.requests[idx].Status = types.FriendRequestAccepted
	f.log.Printf("friends: %s accepted %s", userId, fromUserId)

	f.broadcast(userId)
	f.broadcast(fromUserId)
	return true
}

// DeclineFriendRequest deletes the pending request sent by fromUserId to
// userId. Only the recipient is notified.
func (f *Friends) DeclineFriendRequest(userId, fromUserId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.pendingFrom(userId, fromUserId)
	if idx < 0 {
		return false
	}

	f.requests = slices.Delete(f.requests, idx, idx+1)
	f.broadcast(userId)
	return true
}

func (f *Friends) RemoveFriend(userId, friendId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := slices.IndexFunc(f.requests, func(r *types.FriendRequest) bool {
		return r.Status == types.FriendRequestAccepted && between(r, userId, friendId)
	})
	if idx < 0 {
		return false
	}

	f.requests = slices.Delete(f.requests, idx, idx+1)
	f.log.Printf("friends: %s removed %s", userId, friendId)

	f.broadcast(userId)
	f.broadcast(friendId)
	return true
}

func (f *Friends) GetFriends(userId string) []types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.friendsOf(userId)
}

func (f *Friends) AreFriends(a, b string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.ContainsFunc(f.requests, func(r *types.FriendRequest) bool {
		return r.Status == types.FriendRequestAccepted && between(r, a, b)
	})
}

func (f *Friends) GetFriendsState(userId string) types.FriendsState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateOf(userId)
}

// Subscribe delivers the user's current state to l and registers it for
// future changes.
func (f *Friends) Subscribe(userId string, l fanout.Listener[types.FriendsState]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := fanout.Deliver(l, f.stateOf(userId)); err != nil {
		f.log.Printf("friends %s: baseline: %v", userId, err)
	}
	f.pub.Subscribe(userId, l)
}

func (f *Friends) Unsubscribe(userId string, l fanout.Listener[types.FriendsState]) {
	f.pub.Unsubscribe(userId, l)
}

func (f *Friends) pendingFrom(userId, fromUserId string) int {
	return slices.IndexFunc(f.requests, func(r *types.FriendRequest) bool {
		return r.FromUserId == fromUserId && r.ToUserId == userId && r.Status == types.FriendRequestPending
	})
}

func (f *Friends) friendsOf(userId string) []types.User {
	friends := []types.User{}
	for _, r := range f.requests {
		if r.Status != types.FriendRequestAccepted {
			continue
		}
		switch userId {
		case r.FromUserId:
			friends = append(friends, types.User{Id: r.ToUserId, Name: r.ToUserName})
		case r.ToUserId:
			friends = append(friends, types.User{Id: r.FromUserId, Name: r.FromUserName})
		}
	}
	return friends
}

func (f *Friends) stateOf(userId string) types.FriendsState {
	state := types.FriendsState{
		Friends:         f.friendsOf(userId),
		PendingRequests: []types.PendingFriendRequest{},
		SentRequests:    []types.SentFriendRequest{},
	}
	for _, r := range f.requests {
		if r.Status != types.FriendRequestPending {
			continue
		}
		if r.ToUserId == userId {
			state.PendingRequests = append(state.PendingRequests, types.PendingFriendRequest{
				FromUserId:   r.FromUserId,
				FromUserName: r.FromUserName,
			})
		}
		if r.FromUserId == userId {
			state.SentRequests = append(state.SentRequests, types.SentFriendRequest{
				ToUserId:   r.ToUserId,
				ToUserName: r.ToUserName,
			})
		}
	}
	return state
}

// broadcast must be called with f.mu held.
func (f *Friends) broadcast(userId string) {
	f.pub.Publish(userId, f.stateOf(userId))
}
