package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"groupmesh/models"
	"groupmesh/repository"
)

type MessageService struct {
	groups       repository.GroupRepository
	history      repository.HistoryRepository // nil when retention is off
	hub          SessionHub
	maxLength    int
	historyLimit int
}

func NewMessageService(gr repository.GroupRepository, hr repository.HistoryRepository, hub SessionHub, maxLength, historyLimit int) *MessageService {
	return &MessageService{
		groups:       gr,
		history:      hr,
		hub:          hub,
		maxLength:    maxLength,
		historyLimit: historyLimit,
	}
}

// Send fans a message out to the group, excluding the sender's own
// connection. The sender already holds the message locally, and clients
// deduplicate by id regardless because of dual-path peer delivery. Invalid
// sends are dropped, never fatal.
func (s *MessageService) Send(connID, user string, req models.SendMessageRequest) {
	msg := req.Message
	msg.Text = strings.TrimRight(msg.Text, "\n")
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if len(msg.Text) > s.maxLength {
		logrus.WithFields(logrus.Fields{
			"group": req.GroupID,
			"user":  user,
			"size":  len(msg.Text),
		}).Debug("Oversized message dropped")
		return
	}

	group, err := s.groups.FindByID(req.GroupID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"group": req.GroupID,
			"user":  user,
		}).Debug("Message to unknown group dropped")
		return
	}
	// A kicked user may still hold a live connection for a beat; the
	// registry, not the socket, decides who may post.
	if !group.HasMember(user) {
		logrus.WithFields(logrus.Fields{
			"group": req.GroupID,
			"user":  user,
		}).Debug("Message from non-member dropped")
		return
	}

	// The sender identity and group come from the session, not the payload.
	msg.GroupID = req.GroupID
	msg.Sender = user
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	if s.history != nil {
		if err := s.history.Append(msg); err != nil {
			logrus.WithField("group", req.GroupID).WithError(err).Error("History append failed")
		}
	}

	notice, _ := models.NewEvent(models.EventNewMessage, models.NewMessageNotice{Message: msg})
	s.hub.Broadcast(req.GroupID, notice, connID)
}

// History replies with the stored sequence for the group. With retention off
// the reply is empty, which is exactly what a rejoining client should see.
func (s *MessageService) History(connID, user string, req models.GetMessagesRequest) {
	msgs := []models.Message{}
	if s.history != nil {
		stored, err := s.history.ListByGroup(req.GroupID, s.historyLimit)
		if err != nil {
			logrus.WithField("group", req.GroupID).WithError(err).Error("History read failed")
		} else {
			msgs = stored
		}
	}

	reply, err := models.NewEvent(models.EventMessageHistory, models.MessageHistoryReply{
		GroupID:  req.GroupID,
		Messages: msgs,
	})
	if err != nil {
		logrus.WithError(err).Error("History marshal failed")
		return
	}
	s.hub.SendTo(connID, reply)
}

// List is the HTTP read path for stored history.
func (s *MessageService) List(groupID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	if _, err := s.groups.FindByID(groupID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []models.Message{}, nil
	}
	return s.history.ListByGroup(groupID, limit)
}

// Retains reports whether server-side history storage is enabled.
func (s *MessageService) Retains() bool { return s.history != nil }
