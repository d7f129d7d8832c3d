// Package projection folds a session's event stream into the view one caller sees.
// Events arrive at least once and in any order, so the fold drops duplicates by event ID
// and ignores any row change older than the version it already holds.
package projection

import (
	"sort"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/models"
)

// seenLimit bounds the event IDs remembered for duplicate detection.
const seenLimit = 1024

// RequestView is the caller's latest co-host request.
type RequestView struct {
	ID           uuid.UUID            `json:"id"`
	Status       models.RequestStatus `json:"status"`
	CancelReason models.CancelReason  `json:"cancel_reason,omitempty"`
}

// ViewModel is what one caller renders for a session.
type ViewModel struct {
	SessionID       uuid.UUID              `json:"session_id"`
	Live            bool                   `json:"live"`
	Role            models.Role            `json:"role,omitempty"`
	ViewerCount     int                    `json:"viewer_count"`
	Request         *RequestView           `json:"request,omitempty"`
	CoPresenters    []models.Participant   `json:"copresenters"`
	Products        []models.SharedProduct `json:"products"`
	ProductsVersion int64                  `json:"products_version"`
}

// Snapshot is a consistent-enough read of a session used to seed a projection.
type Snapshot struct {
	Session      *models.Session
	Participants []models.Participant
	Products     *models.ProductList
	Viewers      int
	ViewersSeq   int64
	Request      *models.CoHostRequest
}

// Projection is the fold state for one caller. It is not safe for concurrent use.
type Projection struct {
	caller    uuid.UUID
	sessionID uuid.UUID

	live  bool
	ended bool

	participants map[uuid.UUID]models.Participant
	left         map[uuid.UUID]struct{} // join IDs that have left

	viewers        int
	viewersVersion int64

	products        []models.SharedProduct
	productsVersion int64

	request *models.CoHostRequest

	seen  map[string]struct{}
	order []string
}

// New creates an empty projection for caller in sessionID.
func New(sessionID, caller uuid.UUID) *Projection {
	return &Projection{
		caller:       caller,
		sessionID:    sessionID,
		participants: make(map[uuid.UUID]models.Participant),
		left:         make(map[uuid.UUID]struct{}),
		seen:         make(map[string]struct{}),
	}
}

// Reset replaces the fold state with snap. Duplicate tracking and leave tombstones are
// kept so events delivered around the snapshot read are still folded correctly.
func (p *Projection) Reset(snap *Snapshot) {
	if snap.Session != nil {
		p.ended = p.ended || !snap.Session.Live()
		p.live = !p.ended
	}
	p.participants = make(map[uuid.UUID]models.Participant, len(snap.Participants))
	for _, part := range snap.Participants {
		if _, gone := p.left[part.JoinID]; gone {
			continue
		}
		p.participants[part.UserID] = part
	}
	p.viewers = snap.Viewers
	p.viewersVersion = snap.ViewersSeq
	if snap.Products != nil {
		p.products = append([]models.SharedProduct(nil), snap.Products.Items...)
		p.productsVersion = snap.Products.Version
	}
	p.request = snap.Request
}

func (p *Projection) markSeen(id string) bool {
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > seenLimit {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return true
}

// Apply folds ev and reports whether the view changed.
func (p *Projection) Apply(ev events.Event) bool {
	if ev.SessionID != p.sessionID || !p.markSeen(ev.ID) {
		return false
	}
	switch ev.Kind {
	case events.SessionCreated, events.SessionEnded:
		var s models.Session
		if ev.Decode(&s) != nil {
			return false
		}
		// Ended is final whatever order the events arrive in.
		was := p.live
		p.ended = p.ended || !s.Live()
		p.live = !p.ended
		return was != p.live

	case events.ParticipantJoined, events.ParticipantRoleChanged:
		var part models.Participant
		if ev.Decode(&part) != nil {
			return false
		}
		if _, gone := p.left[part.JoinID]; gone {
			return false
		}
		if cur, ok := p.participants[part.UserID]; ok {
			if cur.JoinID == part.JoinID && cur.Version >= part.Version {
				return false
			}
			if cur.JoinID != part.JoinID && part.JoinedAt.Before(cur.JoinedAt) {
				return false
			}
		}
		p.participants[part.UserID] = part
		return true

	case events.ParticipantLeft:
		var part models.Participant
		if ev.Decode(&part) != nil {
			return false
		}
		p.left[part.JoinID] = struct{}{}
		if cur, ok := p.participants[part.UserID]; ok && cur.JoinID == part.JoinID {
			delete(p.participants, part.UserID)
			return true
		}
		return false

	case events.CoHostRequested, events.CoHostAccepted, events.CoHostRejected, events.CoHostCancelled:
		var r models.CoHostRequest
		if ev.Decode(&r) != nil || r.RequesterID != p.caller {
			return false
		}
		if cur := p.request; cur != nil {
			if cur.ID == r.ID && cur.Version >= r.Version {
				return false
			}
			if cur.ID != r.ID && r.CreatedAt.Before(cur.CreatedAt) {
				return false
			}
		}
		p.request = &r
		return true

	case events.ViewersChanged:
		var v events.ViewerPayload
		if ev.Decode(&v) != nil || ev.Version <= p.viewersVersion {
			return false
		}
		changed := v.Count != p.viewers
		p.viewers, p.viewersVersion = v.Count, ev.Version
		return changed

	case events.ProductsChanged:
		var list models.ProductList
		if ev.Decode(&list) != nil || list.Version <= p.productsVersion {
			return false
		}
		p.products = list.Items
		p.productsVersion = list.Version
		return true
	}
	return false
}

// View renders the current fold state.
func (p *Projection) View() ViewModel {
	vm := ViewModel{
		SessionID:       p.sessionID,
		Live:            p.live,
		ViewerCount:     p.viewers,
		CoPresenters:    []models.Participant{},
		Products:        append([]models.SharedProduct{}, p.products...),
		ProductsVersion: p.productsVersion,
	}
	if me, ok := p.participants[p.caller]; ok {
		vm.Role = me.Role
	}
	if p.request != nil {
		vm.Request = &RequestView{ID: p.request.ID, Status: p.request.Status, CancelReason: p.request.CancelReason}
	}
	for _, part := range p.participants {
		if part.Role == models.RoleCoPresenter {
			vm.CoPresenters = append(vm.CoPresenters, part)
		}
	}
	sort.Slice(vm.CoPresenters, func(i, j int) bool {
		return vm.CoPresenters[i].JoinedAt.Before(vm.CoPresenters[j].JoinedAt)
	})
	sort.SliceStable(vm.Products, func(i, j int) bool {
		return vm.Products[i].DisplayOrder < vm.Products[j].DisplayOrder
	})
	return vm
}
