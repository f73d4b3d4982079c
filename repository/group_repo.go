package repository

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"groupmesh/models"
)

// GroupRepository is the canonical registry of live groups. Implementations
// must uphold the registry invariants: codes unique among live groups, admin
// always a member, no duplicate members, zero-member groups removed.
type GroupRepository interface {
	Create(id, code, name, adminID string) (*models.Group, error)
	FindByID(id string) (*models.Group, error)
	FindByCode(code string) (*models.Group, error)
	AddMember(groupID, userID string) (*models.Group, error)
	// RemoveMember returns (nil, true, nil) when the removal deleted the
	// group, which happens when the admin leaves or the member list would
	// become empty.
	RemoveMember(groupID, userID string) (*models.Group, bool, error)
	Rename(groupID, newName, requesterID string) (*models.Group, error)
	List() []models.Group
}

type InMemoryGroupRepo struct {
	mu   sync.RWMutex
	data map[string]*models.Group
}

func NewInMemoryGroupRepo() *InMemoryGroupRepo {
	return &InMemoryGroupRepo{
		data: make(map[string]*models.Group),
	}
}

func (r *InMemoryGroupRepo) Create(id, code, name, adminID string) (*models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; ok {
		return nil, models.ErrDuplicateID
	}

	code = strings.ToUpper(code)
	for _, g := range r.data {
		if g.Code == code {
			return nil, models.ErrDuplicateCode
		}
	}

	group := &models.Group{
		ID:        id,
		Code:      code,
		Name:      name,
		Admin:     adminID,
		Members:   []string{adminID},
		CreatedAt: time.Now(),
	}
	r.data[id] = group
	return snapshot(group), nil
}

func (r *InMemoryGroupRepo) FindByID(id string) (*models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.data[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return snapshot(g), nil
}

// FindByCode scans live groups for a case-insensitive code match. Live group
// counts are small, so the scan is fine; a deleted group's code matches
// nothing and is immediately reusable.
func (r *InMemoryGroupRepo) FindByCode(code string) (*models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code = strings.ToUpper(code)
	for _, g := range r.data {
		if g.Code == code {
			return snapshot(g), nil
		}
	}
	return nil, models.ErrNotFound
}

// AddMember is idempotent: joining a group you are already in changes
// nothing and is not an error.
func (r *InMemoryGroupRepo) AddMember(groupID, userID string) (*models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.data[groupID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !lo.Contains(g.Members, userID) {
		g.Members = append(g.Members, userID)
	}
	return snapshot(g), nil
}

func (r *InMemoryGroupRepo) RemoveMember(groupID, userID string) (*models.Group, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.data[groupID]
	if !ok {
		return nil, false, models.ErrNotFound
	}

	remaining := lo.Without(g.Members, userID)
	if userID == g.Admin || len(remaining) == 0 {
		delete(r.data, groupID)
		return nil, true, nil
	}

	g.Members = remaining
	return snapshot(g), false, nil
}

func (r *InMemoryGroupRepo) Rename(groupID, newName, requesterID string) (*models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.data[groupID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if requesterID != g.Admin {
		return nil, models.ErrPermissionDenied
	}
	g.Name = newName
	return snapshot(g), nil
}

func (r *InMemoryGroupRepo) List() []models.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]models.Group, 0, len(r.data))
	for _, g := range r.data {
		groups = append(groups, *snapshot(g))
	}
	return groups
}

// snapshot copies a group so callers never share the registry's member
// slice. Mutations go through repository methods only.
func snapshot(g *models.Group) *models.Group {
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp
}
