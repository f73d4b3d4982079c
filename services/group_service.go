package services

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"groupmesh/models"
	"groupmesh/repository"
	"groupmesh/utils"
)

// SessionHub is the slice of the websocket hub the services need. Defined
// here to avoid an import cycle with the ws package.
type SessionHub interface {
	Bind(connID, user, groupID string)
	Unbind(connID string) (models.Binding, bool)
	BindingOf(connID string) (models.Binding, bool)
	Broadcast(groupID string, ev models.Event, excludeConn string)
	SendTo(connID string, ev models.Event) bool
	DropGroup(groupID string)
	ConnsOfUser(groupID, user string) []string
}

// codeAttempts bounds regeneration on a duplicate group code. Collisions on
// 36^6 codes are vanishingly rare; hitting the bound means something is
// badly wrong, not bad luck.
const codeAttempts = 5

type GroupService struct {
	groups  repository.GroupRepository
	history repository.HistoryRepository // nil when retention is off
	hub     SessionHub
}

func NewGroupService(gr repository.GroupRepository, hr repository.HistoryRepository, hub SessionHub) *GroupService {
	return &GroupService{groups: gr, history: hr, hub: hub}
}

// Create registers a new group with the requesting user as admin and binds
// the connection to it. Missing id/code are generated server-side; a
// duplicate code is never surfaced, the code is regenerated instead.
func (s *GroupService) Create(connID, user string, req models.CreateGroupRequest) {
	name := strings.TrimSpace(req.GroupName)
	if name == "" {
		s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{
			Success: false, Message: "Group name is required",
		})
		return
	}

	id := req.GroupID
	if id == "" {
		id = "grp_" + uuid.NewString()
	}

	code := utils.NormalizeGroupCode(req.GroupCode)
	if code != "" && len(code) != utils.GroupCodeLength {
		s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{
			Success: false, Message: "Group code must be 6 characters",
		})
		return
	}
	var group *models.Group
	for attempt := 0; attempt < codeAttempts; attempt++ {
		if code == "" {
			code = utils.GenerateGroupCode()
		}
		g, err := s.groups.Create(id, code, name, user)
		if errors.Is(err, models.ErrDuplicateCode) {
			code = ""
			continue
		}
		if errors.Is(err, models.ErrDuplicateID) {
			s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{
				Success: false, Message: "Group id already exists",
			})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{"group": id, "user": user}).WithError(err).Error("Group creation failed")
			s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{
				Success: false, Message: "Server error",
			})
			return
		}
		group = g
		break
	}
	if group == nil {
		s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{
			Success: false, Message: "Could not allocate a group code",
		})
		return
	}

	s.leaveCurrent(connID, user, group.ID)
	s.hub.Bind(connID, user, group.ID)
	s.reply(connID, models.EventGroupCreated, models.GroupCreatedReply{Success: true, Group: group})

	logrus.WithFields(logrus.Fields{
		"group": group.ID,
		"code":  group.Code,
		"name":  group.Name,
		"admin": user,
	}).Info("Group created")
}

// Join binds the connection to a group found by id or code. Joining while
// bound elsewhere first runs the full leave side effects on the old group.
// Re-joining the current group is idempotent.
func (s *GroupService) Join(connID, user string, req models.JoinGroupRequest) {
	var (
		group *models.Group
		err   error
	)
	switch {
	case req.GroupID != "":
		group, err = s.groups.FindByID(req.GroupID)
	case req.GroupCode != "":
		group, err = s.groups.FindByCode(utils.NormalizeGroupCode(req.GroupCode))
	default:
		err = models.ErrNotFound
	}
	if err != nil {
		s.reply(connID, models.EventGroupJoined, models.GroupJoinedReply{
			Success: false, Message: "Group does not exist",
		})
		return
	}

	s.leaveCurrent(connID, user, group.ID)

	updated, err := s.groups.AddMember(group.ID, user)
	if err != nil {
		// The group vanished between lookup and join.
		s.reply(connID, models.EventGroupJoined, models.GroupJoinedReply{
			Success: false, Message: "Group does not exist",
		})
		return
	}

	s.hub.Bind(connID, user, group.ID)

	// AddMember and Bind are separate critical sections, so an admin leave
	// can delete the group in between. The deletion broadcast predates the
	// binding in that window, so re-check and unwind rather than strand the
	// joiner bound to a dead group.
	if _, err := s.groups.FindByID(group.ID); err != nil {
		s.hub.Unbind(connID)
		s.reply(connID, models.EventGroupJoined, models.GroupJoinedReply{
			Success: false, Message: "Group does not exist",
		})
		return
	}

	s.reply(connID, models.EventGroupJoined, models.GroupJoinedReply{Success: true, Group: updated})

	notice, _ := models.NewEvent(models.EventUserJoined, models.UserJoinedNotice{
		UserName: user,
		Members:  updated.Members,
	})
	s.hub.Broadcast(group.ID, notice, connID)

	logrus.WithFields(logrus.Fields{
		"group":   group.ID,
		"user":    user,
		"members": len(updated.Members),
	}).Info("User joined group")
}

// Leave removes the user's membership and unbinds the connection. The admin
// leaving, or the last member leaving, destroys the group.
func (s *GroupService) Leave(connID, user string, req models.LeaveGroupRequest) {
	s.removeAndNotify(req.GroupID, user, connID)
	if b, ok := s.hub.BindingOf(connID); ok && b.GroupID == req.GroupID {
		s.hub.Unbind(connID)
	}
}

// Disconnect is the implicit leave triggered by a dropped connection: the
// last bound group is notified, but membership is kept so the user can
// reconnect and rejoin idempotently. Racing an explicit leave is fine:
// whichever unbinds first wins and the loser no-ops.
func (s *GroupService) Disconnect(connID string) {
	b, ok := s.hub.Unbind(connID)
	if !ok {
		return
	}

	notice, _ := models.NewEvent(models.EventUserLeft, models.UserLeftNotice{UserName: b.User})
	s.hub.Broadcast(b.GroupID, notice, connID)

	logrus.WithFields(logrus.Fields{
		"group": b.GroupID,
		"user":  b.User,
	}).Info("User disconnected from group")
}

// Rename changes the group name. Admin-only; a denied or unknown request is
// rejected with no state change and nothing sent back.
func (s *GroupService) Rename(connID, user string, req models.RenameGroupRequest) {
	name := strings.TrimSpace(req.NewName)
	if name == "" {
		return
	}

	group, err := s.groups.Rename(req.GroupID, name, user)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"group": req.GroupID,
			"user":  user,
		}).WithError(err).Warn("Rename rejected")
		return
	}

	notice, _ := models.NewEvent(models.EventGroupRenamed, models.GroupRenamedNotice{
		GroupID: group.ID,
		Name:    group.Name,
	})
	// Renames include the requester: the broadcast doubles as their
	// confirmation.
	s.hub.Broadcast(group.ID, notice, "")
}

// Kick removes another member. Admin-only. The kicked user's connections are
// unbound after the user-left broadcast so they see their own removal.
func (s *GroupService) Kick(connID, user string, req models.KickMemberRequest) {
	group, err := s.groups.FindByID(req.GroupID)
	if err != nil {
		return
	}
	if group.Admin != user || req.Target == user {
		logrus.WithFields(logrus.Fields{
			"group":  req.GroupID,
			"user":   user,
			"target": req.Target,
		}).Warn("Kick rejected")
		return
	}

	conns := s.hub.ConnsOfUser(req.GroupID, req.Target)
	s.removeAndNotify(req.GroupID, req.Target, "")
	for _, cid := range conns {
		s.hub.Unbind(cid)
	}
}

// leaveCurrent runs explicit-leave side effects on whatever group the
// connection is currently bound to, unless that is exceptGroupID.
func (s *GroupService) leaveCurrent(connID, user, exceptGroupID string) {
	b, ok := s.hub.BindingOf(connID)
	if !ok || b.GroupID == exceptGroupID {
		return
	}
	s.removeAndNotify(b.GroupID, user, connID)
	s.hub.Unbind(connID)
}

// removeAndNotify removes user from the group and broadcasts the outcome:
// user-left with the updated roster, or group-deleted when the removal
// destroyed the group. The broadcast goes out before bindings are dropped so
// former members still receive it.
func (s *GroupService) removeAndNotify(groupID, user, excludeConn string) {
	group, deleted, err := s.groups.RemoveMember(groupID, user)
	if err != nil {
		return
	}

	if deleted {
		notice, _ := models.NewEvent(models.EventGroupDeleted, models.GroupDeletedNotice{GroupID: groupID})
		s.hub.Broadcast(groupID, notice, excludeConn)
		s.hub.DropGroup(groupID)
		if s.history != nil {
			if err := s.history.DeleteGroup(groupID); err != nil {
				logrus.WithField("group", groupID).WithError(err).Error("History cleanup failed")
			}
		}
		logrus.WithFields(logrus.Fields{
			"group": groupID,
			"user":  user,
		}).Info("Group deleted")
		return
	}

	notice, _ := models.NewEvent(models.EventUserLeft, models.UserLeftNotice{
		UserName: user,
		Members:  group.Members,
	})
	s.hub.Broadcast(groupID, notice, excludeConn)

	logrus.WithFields(logrus.Fields{
		"group":   groupID,
		"user":    user,
		"members": len(group.Members),
	}).Info("User left group")
}

func (s *GroupService) reply(connID string, t models.EventType, payload any) {
	ev, err := models.NewEvent(t, payload)
	if err != nil {
		logrus.WithError(err).Error("Reply marshal failed")
		return
	}
	s.hub.SendTo(connID, ev)
}
