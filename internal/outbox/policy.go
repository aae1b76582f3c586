package outbox

import "github.com/matheus3301/chatsync/internal/store"

// Roles that may delete any message of a chat.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// CanDeleteForEveryone reports whether the viewer may delete all of msgs for
// every participant: admins and owners may, everyone else only when every
// message is their own.
func CanDeleteForEveryone(msgs []store.Message, viewerID int64, role string) bool {
	if len(msgs) == 0 {
		return false
	}
	if role == RoleAdmin || role == RoleOwner {
		return true
	}
	for _, m := range msgs {
		if m.SenderID != viewerID {
			return false
		}
	}
	return true
}
