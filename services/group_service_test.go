package services

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"groupmesh/models"
	"groupmesh/repository"
)

// fakeHub records everything the services push through it so tests can
// assert on fanout and delivery without sockets.
type fakeHub struct {
	mu         sync.Mutex
	bindings   map[string]models.Binding
	sent       map[string][]models.Event
	broadcasts []broadcastRec
}

type broadcastRec struct {
	GroupID string
	Event   models.Event
	Exclude string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		bindings: make(map[string]models.Binding),
		sent:     make(map[string][]models.Event),
	}
}

func (f *fakeHub) Bind(connID, user, groupID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[connID] = models.Binding{ConnID: connID, User: user, GroupID: groupID}
}

func (f *fakeHub) Unbind(connID string) (models.Binding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[connID]
	delete(f.bindings, connID)
	return b, ok
}

func (f *fakeHub) BindingOf(connID string) (models.Binding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[connID]
	return b, ok
}

func (f *fakeHub) Broadcast(groupID string, ev models.Event, excludeConn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRec{GroupID: groupID, Event: ev, Exclude: excludeConn})
}

func (f *fakeHub) SendTo(connID string, ev models.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], ev)
	return true
}

func (f *fakeHub) DropGroup(groupID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID, b := range f.bindings {
		if b.GroupID == groupID {
			delete(f.bindings, connID)
		}
	}
}

func (f *fakeHub) ConnsOfUser(groupID, user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []string
	for connID, b := range f.bindings {
		if b.GroupID == groupID && b.User == user {
			conns = append(conns, connID)
		}
	}
	return conns
}

func (f *fakeHub) lastReply(t *testing.T, connID string) models.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.sent[connID]
	require.NotEmpty(t, evs, "no reply sent to %s", connID)
	return evs[len(evs)-1]
}

func (f *fakeHub) broadcastsOfType(t models.EventType) []broadcastRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastRec
	for _, b := range f.broadcasts {
		if b.Event.Type == t {
			out = append(out, b)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, ev models.Event) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return out
}

func newGroupFixture() (*GroupService, *fakeHub, repository.GroupRepository, *repository.InMemoryHistoryRepo) {
	hub := newFakeHub()
	groups := repository.NewInMemoryGroupRepo()
	history := repository.NewInMemoryHistoryRepo()
	return NewGroupService(groups, history, hub), hub, groups, history
}

func TestGroupCreate(t *testing.T) {
	req := require.New(t)
	svc, hub, _, _ := newGroupFixture()

	svc.Create("conn_a", "alice", models.CreateGroupRequest{GroupName: "book club"})

	ev := hub.lastReply(t, "conn_a")
	req.Equal(models.EventGroupCreated, ev.Type)
	reply := decodePayload[models.GroupCreatedReply](t, ev)
	req.True(reply.Success)
	req.NotNil(reply.Group)
	req.Contains(reply.Group.ID, "grp_")
	req.Len(reply.Group.Code, 6)
	req.Equal("alice", reply.Group.Admin)
	req.Equal([]string{"alice"}, reply.Group.Members)

	b, ok := hub.BindingOf("conn_a")
	req.True(ok)
	req.Equal(reply.Group.ID, b.GroupID)
}

func TestGroupCreateEmptyName(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	svc.Create("conn_a", "alice", models.CreateGroupRequest{GroupName: "   "})

	reply := decodePayload[models.GroupCreatedReply](t, hub.lastReply(t, "conn_a"))
	req.False(reply.Success)
	req.Empty(groups.List())
}

func TestGroupCreateDuplicateCodeRegenerated(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_existing", "ABC123", "claimed", "bob")
	req.NoError(err)

	// The requested code is taken; the caller never sees the collision,
	// only a group with a different code.
	svc.Create("conn_a", "alice", models.CreateGroupRequest{
		GroupName: "mine",
		GroupCode: "abc123",
	})

	reply := decodePayload[models.GroupCreatedReply](t, hub.lastReply(t, "conn_a"))
	req.True(reply.Success)
	req.NotEqual("ABC123", reply.Group.Code)
	req.Len(reply.Group.Code, 6)
}

func TestGroupCreateRejectsShortCode(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	svc.Create("conn_a", "alice", models.CreateGroupRequest{
		GroupName: "mine",
		GroupCode: "ab",
	})

	reply := decodePayload[models.GroupCreatedReply](t, hub.lastReply(t, "conn_a"))
	req.False(reply.Success)
	req.Empty(groups.List())
	_, ok := hub.BindingOf("conn_a")
	req.False(ok)
}

func TestGroupCreateRejectsDuplicateID(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	first, err := groups.Create("grp_taken", "AAAAAA", "claimed", "carol")
	req.NoError(err)
	_, err = groups.AddMember("grp_taken", "dave")
	req.NoError(err)

	svc.Create("conn_a", "alice", models.CreateGroupRequest{
		GroupID:   "grp_taken",
		GroupName: "mine",
	})

	reply := decodePayload[models.GroupCreatedReply](t, hub.lastReply(t, "conn_a"))
	req.False(reply.Success)

	// The live group is untouched.
	g, err := groups.FindByID("grp_taken")
	req.NoError(err)
	req.Equal(first.Code, g.Code)
	req.Equal("carol", g.Admin)
	req.Equal([]string{"carol", "dave"}, g.Members)
}

func TestGroupJoinByCode(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "ABC123", "g", "alice")
	req.NoError(err)
	hub.Bind("conn_a", "alice", "grp_1")

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupCode: "abc123"})

	reply := decodePayload[models.GroupJoinedReply](t, hub.lastReply(t, "conn_b"))
	req.True(reply.Success)
	req.Equal([]string{"alice", "bob"}, reply.Group.Members)

	joins := hub.broadcastsOfType(models.EventUserJoined)
	req.Len(joins, 1)
	req.Equal("grp_1", joins[0].GroupID)
	req.Equal("conn_b", joins[0].Exclude, "the joiner already has the roster from the reply")
	notice := decodePayload[models.UserJoinedNotice](t, joins[0].Event)
	req.Equal("bob", notice.UserName)
	req.Equal([]string{"alice", "bob"}, notice.Members)
}

func TestGroupJoinUnknown(t *testing.T) {
	req := require.New(t)
	svc, hub, _, _ := newGroupFixture()

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupCode: "NOPE99"})

	reply := decodePayload[models.GroupJoinedReply](t, hub.lastReply(t, "conn_b"))
	req.False(reply.Success)
	_, ok := hub.BindingOf("conn_b")
	req.False(ok)
}

func TestGroupJoinSwitchesGroups(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "first", "alice")
	req.NoError(err)
	_, err = groups.Create("grp_2", "BBBBBB", "second", "carol")
	req.NoError(err)

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})
	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_2"})

	// Switching ran the full leave on grp_1.
	lefts := hub.broadcastsOfType(models.EventUserLeft)
	req.Len(lefts, 1)
	req.Equal("grp_1", lefts[0].GroupID)

	g1, err := groups.FindByID("grp_1")
	req.NoError(err)
	req.Equal([]string{"alice"}, g1.Members)

	b, ok := hub.BindingOf("conn_b")
	req.True(ok)
	req.Equal("grp_2", b.GroupID)
}

// hookedGroupRepo lets a test interleave work between the registry's
// AddMember returning and the service binding the connection.
type hookedGroupRepo struct {
	repository.GroupRepository
	afterAdd func()
}

func (r *hookedGroupRepo) AddMember(groupID, userID string) (*models.Group, error) {
	g, err := r.GroupRepository.AddMember(groupID, userID)
	if r.afterAdd != nil {
		hook := r.afterAdd
		r.afterAdd = nil
		hook()
	}
	return g, err
}

func TestGroupJoinInterleavedWithAdminLeave(t *testing.T) {
	req := require.New(t)
	hub := newFakeHub()
	inner := repository.NewInMemoryGroupRepo()
	groups := &hookedGroupRepo{GroupRepository: inner}
	history := repository.NewInMemoryHistoryRepo()
	svc := NewGroupService(groups, history, hub)

	_, err := inner.Create("grp_1", "AAAAAA", "g", "alice")
	req.NoError(err)
	hub.Bind("conn_a", "alice", "grp_1")

	// The admin's leave lands after bob is admitted to the roster but
	// before his connection is bound, so the deletion broadcast cannot
	// reach him.
	groups.afterAdd = func() {
		svc.Leave("conn_a", "alice", models.LeaveGroupRequest{GroupID: "grp_1", UserName: "alice"})
	}

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})

	_, err = inner.FindByID("grp_1")
	req.ErrorIs(err, models.ErrNotFound)

	reply := decodePayload[models.GroupJoinedReply](t, hub.lastReply(t, "conn_b"))
	req.False(reply.Success, "joining a group deleted mid-join must not look successful")

	_, ok := hub.BindingOf("conn_b")
	req.False(ok, "no binding may outlive the group")
}

func TestGroupRejoinCurrentIsIdempotent(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "g", "alice")
	req.NoError(err)

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})
	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})

	req.Empty(hub.broadcastsOfType(models.EventUserLeft))
	g, err := groups.FindByID("grp_1")
	req.NoError(err)
	req.Equal([]string{"alice", "bob"}, g.Members)
}

func TestGroupLeaveMember(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "g", "alice")
	req.NoError(err)
	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})

	svc.Leave("conn_b", "bob", models.LeaveGroupRequest{GroupID: "grp_1", UserName: "bob"})

	lefts := hub.broadcastsOfType(models.EventUserLeft)
	req.Len(lefts, 1)
	notice := decodePayload[models.UserLeftNotice](t, lefts[0].Event)
	req.Equal("bob", notice.UserName)
	req.Equal([]string{"alice"}, notice.Members)

	_, ok := hub.BindingOf("conn_b")
	req.False(ok)
}

func TestGroupAdminLeaveDeletesGroup(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, history := newGroupFixture()

	svc.Create("conn_a", "alice", models.CreateGroupRequest{GroupName: "g"})
	reply := decodePayload[models.GroupCreatedReply](t, hub.lastReply(t, "conn_a"))
	groupID := reply.Group.ID

	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: groupID})
	req.NoError(history.Append(models.Message{ID: "msg_1", GroupID: groupID, Sender: "alice", Text: "hi", Timestamp: 1}))

	svc.Leave("conn_a", "alice", models.LeaveGroupRequest{GroupID: groupID, UserName: "alice"})

	deletes := hub.broadcastsOfType(models.EventGroupDeleted)
	req.Len(deletes, 1)
	req.Equal(groupID, deletes[0].GroupID)

	_, err := groups.FindByID(groupID)
	req.ErrorIs(err, models.ErrNotFound)

	stored, err := history.ListByGroup(groupID, 0)
	req.NoError(err)
	req.Empty(stored, "group deletion purges retained history")

	_, ok := hub.BindingOf("conn_b")
	req.False(ok, "survivors are unbound after the deletion notice")
}

func TestGroupDisconnectKeepsMembership(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "g", "alice")
	req.NoError(err)
	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})

	svc.Disconnect("conn_b")

	lefts := hub.broadcastsOfType(models.EventUserLeft)
	req.Len(lefts, 1)
	notice := decodePayload[models.UserLeftNotice](t, lefts[0].Event)
	req.Equal("bob", notice.UserName)
	req.Nil(notice.Members, "implicit leave carries no roster")

	// Registry membership survives the drop so a reconnect can rejoin.
	g, err := groups.FindByID("grp_1")
	req.NoError(err)
	req.Equal([]string{"alice", "bob"}, g.Members)

	_, ok := hub.BindingOf("conn_b")
	req.False(ok)

	// A second disconnect for the same conn is a no-op.
	svc.Disconnect("conn_b")
	req.Len(hub.broadcastsOfType(models.EventUserLeft), 1)
}

func TestGroupRename(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "old", "alice")
	req.NoError(err)

	svc.Rename("conn_b", "bob", models.RenameGroupRequest{GroupID: "grp_1", NewName: "hijacked"})
	req.Empty(hub.broadcastsOfType(models.EventGroupRenamed))

	svc.Rename("conn_a", "alice", models.RenameGroupRequest{GroupID: "grp_1", NewName: "new"})
	renames := hub.broadcastsOfType(models.EventGroupRenamed)
	req.Len(renames, 1)
	req.Equal("", renames[0].Exclude, "the rename broadcast doubles as the admin's confirmation")
	notice := decodePayload[models.GroupRenamedNotice](t, renames[0].Event)
	req.Equal("new", notice.Name)
}

func TestGroupKick(t *testing.T) {
	req := require.New(t)
	svc, hub, groups, _ := newGroupFixture()

	_, err := groups.Create("grp_1", "AAAAAA", "g", "alice")
	req.NoError(err)
	hub.Bind("conn_a", "alice", "grp_1")
	svc.Join("conn_b", "bob", models.JoinGroupRequest{GroupID: "grp_1"})

	// Only the admin may kick; bob kicking alice changes nothing.
	svc.Kick("conn_b", "bob", models.KickMemberRequest{GroupID: "grp_1", Target: "alice"})
	req.Empty(hub.broadcastsOfType(models.EventUserLeft))

	svc.Kick("conn_a", "alice", models.KickMemberRequest{GroupID: "grp_1", Target: "bob"})

	lefts := hub.broadcastsOfType(models.EventUserLeft)
	req.Len(lefts, 1)
	req.Equal("", lefts[0].Exclude, "the kicked user sees their own removal")

	g, err := groups.FindByID("grp_1")
	req.NoError(err)
	req.Equal([]string{"alice"}, g.Members)

	_, ok := hub.BindingOf("conn_b")
	req.False(ok)
}
