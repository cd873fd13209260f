package realtime

import (
	"maps"
	"slices"
)

// presenceMap holds the members of a channel keyed by connectionId:clientId.
// During a SYNC it remembers which members existed before the sync began so
// that members the service no longer reports can be removed with a
// synthesized LEAVE at the end. It is owned by the serial queue.
type presenceMap struct {
	members  map[string]*PresenceMessage
	syncing  bool
	residual map[string]struct{}
}

func newPresenceMap() *presenceMap {
	return &presenceMap{members: make(map[string]*PresenceMessage)}
}

// put stores message as PRESENT when it is newer than the current entry of
// the member.
func (presence *presenceMap) put(message *PresenceMessage) bool {
	key := message.memberKey()
	if presence.syncing {
		delete(presence.residual, key)
	}
	if existing, ok := presence.members[key]; ok && !message.isNewerThan(existing) {
		return false
	}
	stored := message.clone()
	stored.Action = PresencePresent
	presence.members[key] = stored
	return true
}

// remove applies a LEAVE. While syncing the member is kept as ABSENT so a
// later, older PRESENT from the sync cannot resurrect it.
func (presence *presenceMap) remove(message *PresenceMessage) bool {
	key := message.memberKey()
	existing, ok := presence.members[key]
	if ok && !message.isNewerThan(existing) {
		return false
	}
	if presence.syncing {
		delete(presence.residual, key)
		absent := message.clone()
		absent.Action = PresenceAbsent
		presence.members[key] = absent
		return ok && existing.Action != PresenceAbsent
	}
	delete(presence.members, key)
	return ok
}

func (presence *presenceMap) startSync() {
	if presence.syncing {
		return
	}
	presence.syncing = true
	presence.residual = make(map[string]struct{}, len(presence.members))
	for key := range presence.members {
		presence.residual[key] = struct{}{}
	}
}

// endSync finishes a sync: ABSENT entries are dropped and members not seen
// since startSync are removed. It returns a synthesized LEAVE for each
// removed member, stamped with timestamp.
func (presence *presenceMap) endSync(timestamp int64) []*PresenceMessage {
	if !presence.syncing {
		return nil
	}
	for key, member := range presence.members {
		if member.Action == PresenceAbsent {
			delete(presence.members, key)
		}
	}

	var leaves []*PresenceMessage
	for _, key := range slices.Sorted(maps.Keys(presence.residual)) {
		member, ok := presence.members[key]
		if !ok {
			continue
		}
		delete(presence.members, key)
		leave := member.clone()
		leave.ID = ""
		leave.Action = PresenceLeave
		leave.Timestamp = timestamp
		leaves = append(leaves, leave)
	}
	presence.syncing = false
	presence.residual = nil
	return leaves
}

// values returns the present members ordered by member key.
func (presence *presenceMap) values() []*PresenceMessage {
	members := make([]*PresenceMessage, 0, len(presence.members))
	for _, key := range slices.Sorted(maps.Keys(presence.members)) {
		member := presence.members[key]
		if member.Action == PresenceAbsent {
			continue
		}
		members = append(members, member.clone())
	}
	return members
}

func (presence *presenceMap) clear() {
	clear(presence.members)
	presence.syncing = false
	presence.residual = nil
}
