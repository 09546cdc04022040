package social

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/scene-rooms/internal/fanout"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const notificationIdLen = 8

// Notifications stores per-user notifications. Every change publishes the
// recipient's pending notifications, newest first.
type Notifications struct {
	log   *log.Logger
	mu    sync.Mutex
	items []*types.Notification
	ids   map[string]struct{}
	pub   *fanout.Publisher[string, []types.Notification]
	now   func() time.Time
}

func NewNotifications(logger *log.Logger) *Notifications {
	n := &Notifications{
		log: logger,
		ids: make(map[string]struct{}),
		now: time.Now,
	}
	n.pub = fanout.NewPublisher[string, []types.Notification](func(key any, err error) {
		n.log.Printf("notifications %v: listener: %v", key, err)
	})

	return n
}

// CreateNotification stores a pending notification for userId and returns it.
func (n *Notifications) CreateNotification(userId string, typ types.NotificationType, from types.User, roomId string) types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := uuid.NewString()[:notificationIdLen]
	for {
		if _, taken := n.ids[id]; !taken {
			break
		}
		id = uuid.NewString()[:notificationIdLen]
	}
	n.ids[id] = struct{}{}

	notif := &types.Notification{
		Id:           id,
		UserId:       userId,
		Type:         typ,
		FromUserId:   from.Id,
		FromUserName: from.Name,
		RoomId:       roomId,
		Status:       types.NotificationPending,
		CreatedAt:    n.now(),
	}
	n.items = append(n.items, notif)
	n.log.Printf("notifications: %s for %s from %s", typ, userId, from.Id)

	n.broadcast(userId)
	return *notif
}

// RespondToNotification records the response to a pending notification owned
// by userId. It returns false if there is no such notification.
func (n *Notifications) RespondToNotification(id, userId string, status types.NotificationStatus) (types.Notification, bool) {
	if status != types.NotificationAccepted && status != types.NotificationDeclined {
		return types.Notification{}, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	idx := slices.IndexFunc(n.items, func(e *types.Notification) bool {
		return e.Id == id && e.UserId == userId && e.Status == types.NotificationPending
	})
	if idx < 0 {
		return types.Notification{}, false
	}

	n.items[idx].Status = status
	n.broadcast(userId)
	return *n.items[idx], true
}

// GetNotifications returns every notification for userId, newest first.
func (n *Notifications) GetNotifications(userId string) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.collect(userId, false)
}

// GetPendingNotifications returns the pending notifications for userId,
// newest first.
func (n *Notifications) GetPendingNotifications(userId string) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.collect(userId, true)
}

// Subscribe delivers the user's pending notifications to l and registers it
// for future changes.
func (n *Notifications) Subscribe(userId string, l fanout.Listener[[]types.Notification]) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := fanout.Deliver(l, n.collect(userId, true)); err != nil {
		n.log.Printf("notifications %s: baseline: %v", userId, err)
	}
	n.pub.Subscribe(userId, l)
}

func (n *Notifications) Unsubscribe(userId string, l fanout.Listener[[]types.Notification]) {
	n.pub.Unsubscribe(userId, l)
}

func (n *Notifications) collect(userId string, pendingOnly bool) []types.Notification {
	out := []types.Notification{}
	for _, e := range n.items {
		if e.UserId != userId || (pendingOnly && e.Status != types.NotificationPending) {
			continue
		}
		out = append(out, *e)
	}

	// items are stored in creation order; ties on timestamp keep that order reversed
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b types.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// broadcast must be called with n.mu held.
func (n *Notifications) broadcast(userId string) {
	n.pub.Publish(userId, n.collect(userId, true))
}
