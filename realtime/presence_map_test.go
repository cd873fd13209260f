package realtime

import "testing"

func member(id string, connectionID string, clientID string, action PresenceAction, timestamp int64) *PresenceMessage {
	return &PresenceMessage{ID: id, ConnectionID: connectionID, ClientID: clientID, Action: action, Timestamp: timestamp}
}

func TestPresenceMessageNewness(t *testing.T) {
	older := member("conn1:5:2", "conn1", "alice", PresenceEnter, 10)
	newer := member("conn1:5:3", "conn1", "alice", PresenceUpdate, 5)
	if !newer.isNewerThan(older) {
		t.Fatalf("expected index 3 to supersede index 2")
	}
	if older.isNewerThan(newer) {
		t.Fatalf("expected index 2 not to supersede index 3")
	}
	if !member("conn1:6:0", "conn1", "alice", PresenceUpdate, 1).isNewerThan(newer) {
		t.Fatalf("expected a higher msgSerial to supersede")
	}

	synthesized := member("server:1:0", "conn1", "alice", PresenceLeave, 1)
	if !synthesized.isNewerThan(newer) {
		t.Fatalf("expected a synthesized leave to always supersede")
	}
	if member("", "conn1", "alice", PresenceLeave, 1).isNewerThan(newer) {
		t.Fatalf("expected an entry without an id to fall back to timestamps")
	}
	if !member("", "conn1", "alice", PresenceLeave, 5).isNewerThan(newer) {
		t.Fatalf("expected an entry without an id and an equal timestamp to supersede")
	}
	if member("conn1:1:0", "conn1", "alice", PresenceEnter, 0).isNewerThan(synthesized) {
		t.Fatalf("expected an older timestamp not to supersede a synthesized entry")
	}

	colons := member("a:b:7:1", "a:b", "bob", PresenceEnter, 0)
	if !colons.isNewerThan(member("a:b:7:0", "a:b", "bob", PresenceEnter, 0)) {
		t.Fatalf("expected connection ids with colons to parse")
	}
}

func TestPresenceMapPutAndRemove(t *testing.T) {
	members := newPresenceMap()
	if !members.put(member("c1:1:0", "c1", "alice", PresenceEnter, 1)) {
		t.Fatalf("expected enter to be stored")
	}
	if members.put(member("c1:0:0", "c1", "alice", PresenceUpdate, 1)) {
		t.Fatalf("expected an older update to be ignored")
	}
	values := members.values()
	if len(values) != 1 || values[0].Action != PresencePresent {
		t.Fatalf("expected one PRESENT member, got %+v", values)
	}

	if !members.remove(member("c1:2:0", "c1", "alice", PresenceLeave, 2)) {
		t.Fatalf("expected leave to remove the member")
	}
	if len(members.values()) != 0 {
		t.Fatalf("expected no members after leave")
	}
	if members.remove(member("c1:3:0", "c1", "alice", PresenceLeave, 3)) {
		t.Fatalf("expected leave of an absent member to report no change")
	}
}

func TestPresenceMapSyncRemovesResidualMembers(t *testing.T) {
	members := newPresenceMap()
	members.put(member("c1:1:0", "c1", "alice", PresenceEnter, 1))
	members.put(member("c2:1:0", "c2", "bob", PresenceEnter, 1))
	members.put(member("c3:1:0", "c3", "carol", PresenceEnter, 1))

	members.startSync()
	members.put(member("c1:1:0", "c1", "alice", PresencePresent, 1))
	members.remove(member("c2:4:0", "c2", "bob", PresenceLeave, 4))
	members.put(member("c2:3:0", "c2", "bob", PresencePresent, 3))
	members.put(member("c4:1:0", "c4", "dave", PresencePresent, 1))
	if got := len(members.values()); got != 3 {
		t.Fatalf("expected 3 visible members during sync, got %d", got)
	}

	leaves := members.endSync(99)
	if len(leaves) != 1 {
		t.Fatalf("expected one synthesized leave, got %d", len(leaves))
	}
	leave := leaves[0]
	if leave.ClientID != "carol" || leave.Action != PresenceLeave || leave.Timestamp != 99 || leave.ID != "" {
		t.Fatalf("unexpected synthesized leave %+v", leave)
	}

	values := members.values()
	if len(values) != 2 || values[0].ClientID != "alice" || values[1].ClientID != "dave" {
		t.Fatalf("expected alice and dave after sync, got %+v", values)
	}
	if members.syncing {
		t.Fatalf("expected sync to be finished")
	}
	if members.endSync(100) != nil {
		t.Fatalf("expected endSync without a sync to be a no-op")
	}
}

func TestPresenceMapClear(t *testing.T) {
	members := newPresenceMap()
	members.put(member("c1:1:0", "c1", "alice", PresenceEnter, 1))
	members.startSync()
	members.clear()
	if len(members.values()) != 0 || members.syncing {
		t.Fatalf("expected clear to drop members and the sync")
	}
}
