package clientsync

import (
	"context"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/drivermatch"
	"github.com/musync/musync/wuxml"
)

// DeploymentAction tells the client what to do with an offered update.
type DeploymentAction string

const (
	// ActionEvaluate asks the client to evaluate applicability and report
	// back; used for categories, detectoids and other non-leaf updates.
	ActionEvaluate = DeploymentAction("Evaluate")
	// ActionInstall offers the update for installation.
	ActionInstall = DeploymentAction("Install")
	// ActionBundle marks a bundle member installed through its parent.
	ActionBundle = DeploymentAction("Bundle")
)

// Device is one device in a driver sync request.
type Device struct {
	// HardwareIDs, most specific first, compatible IDs appended.
	HardwareIDs []string `json:"hardwareIds"`
	// Current describes the driver already bound to the device, if any.
	Current *drivermatch.InstalledDriver `json:"current,omitempty"`
}

// SyncRequest is the SyncUpdates input.
type SyncRequest struct {
	Cookie *ClientCookie `json:"cookie"`
	// InstalledNonLeaf is the client's set of installed non-leaf update
	// GUIDs, the I set of the layering algorithm.
	InstalledNonLeaf []uuid.UUID `json:"installedNonLeafUpdateIds,omitempty"`
	// OtherCached lists further update GUIDs the client already knows.
	OtherCached []uuid.UUID `json:"otherCachedUpdateIds,omitempty"`

	SkipSoftwareSync bool `json:"skipSoftwareSync,omitempty"`
	SkipDriverSync   bool `json:"skipDriverSync,omitempty"`

	// Driver path inputs.
	Devices             []Device    `json:"devices,omitempty"`
	ComputerHardwareIDs []string    `json:"computerHardwareIds,omitempty"`
	CachedDriverIDs     []uuid.UUID `json:"cachedDriverIds,omitempty"`
}

// OfferedUpdate is one update record in a sync response.
type OfferedUpdate struct {
	ID musync.Identity `json:"id"`
	// RevisionIndex aliases the identity within this server session.
	RevisionIndex int              `json:"revisionIndex"`
	Action        DeploymentAction `json:"action"`
	IsLeaf        bool             `json:"isLeaf"`
	// XML is the core metadata fragment.
	XML string `json:"xml"`
}

// SyncResult is the SyncUpdates output.
type SyncResult struct {
	Updates   []OfferedUpdate `json:"updates,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Cookie    *ClientCookie   `json:"cookie"`
}

// SyncUpdates runs one round of the layered offering algorithm, or the
// driver matcher when the client asks for drivers only.
func (s *Service) SyncUpdates(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "clientsync/Service.SyncUpdates")
	if err := checkCookie(req.Cookie); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	installed := guidSet(req.InstalledNonLeaf)
	exclude := guidSet(req.InstalledNonLeaf)
	for _, id := range req.OtherCached {
		exclude[id] = struct{}{}
	}

	var (
		picked []*musync.Update
		action = make(map[musync.Identity]DeploymentAction)
		isLeaf bool
		trunc  bool
	)
	switch {
	case req.SkipSoftwareSync && req.SkipDriverSync:
		// Nothing to offer.
	case req.SkipSoftwareSync:
		picked, trunc = s.driverLayer(req, installed, exclude)
		for _, u := range picked {
			action[u.Identity] = ActionInstall
		}
		isLeaf = true
	default:
		picked, isLeaf, trunc = s.softwareLayers(installed, exclude)
		for _, u := range picked {
			action[u.Identity] = s.deploymentAction(u, isLeaf)
		}
	}

	out := SyncResult{Truncated: trunc}
	for _, u := range picked {
		frag, err := s.coreFragment(ctx, u.Identity)
		if err != nil {
			return nil, err
		}
		out.Updates = append(out.Updates, OfferedUpdate{
			ID:            u.Identity,
			RevisionIndex: s.revisionIndex(u.Identity),
			Action:        action[u.Identity],
			IsLeaf:        isLeaf,
			XML:           frag,
		})
	}
	cookie, err := s.freshCookie()
	if err != nil {
		return nil, err
	}
	out.Cookie = cookie
	zlog.Debug(ctx).
		Int("updates", len(out.Updates)).
		Bool("truncated", out.Truncated).
		Msg("sync response assembled")
	return &out, nil
}

// softwareLayers evaluates the four layers in order and returns the first
// non-empty one. Caller holds the read lock.
func (s *Service) softwareLayers(installed, exclude map[uuid.UUID]struct{}) (picked []*musync.Update, leaf, trunc bool) {
	// Root layer: no applicability check, the client has seen nothing yet.
	picked, trunc = s.takeLayer(s.g.Roots(), exclude, func(u *musync.Update) bool {
		return true
	})
	if len(picked) != 0 {
		return picked, false, trunc
	}
	picked, trunc = s.takeLayer(s.g.NonLeaves(), exclude, func(u *musync.Update) bool {
		return u.Applicable(installed)
	})
	if len(picked) != 0 {
		return picked, false, trunc
	}
	// Bundle layer: leaf software updates that are bundle parents.
	picked, trunc = s.takeLayer(s.g.Leaves(), exclude, func(u *musync.Update) bool {
		return u.Type == musync.TypeSoftware && u.IsBundle() && u.Applicable(installed)
	})
	if len(picked) != 0 {
		return picked, true, trunc
	}
	picked, trunc = s.takeLayer(s.g.Leaves(), exclude, func(u *musync.Update) bool {
		return u.Type == musync.TypeSoftware && !u.IsBundle() && u.Applicable(installed)
	})
	return picked, true, trunc
}

// takeLayer collects up to the response limit plus one candidate, probing
// one past the limit to detect truncation.
func (s *Service) takeLayer(ids []musync.Identity, exclude map[uuid.UUID]struct{}, match func(*musync.Update) bool) ([]*musync.Update, bool) {
	var out []*musync.Update
	for _, id := range ids {
		if _, ok := exclude[id.ID]; ok {
			continue
		}
		u, ok := s.g.Update(id)
		if !ok || !match(u) {
			continue
		}
		if !s.approvals.IsApproved(id) {
			if s.audit != nil {
				s.audit(id)
			}
			continue
		}
		out = append(out, u)
		if len(out) > MaxUpdatesPerResponse {
			return out[:MaxUpdatesPerResponse], true
		}
	}
	return out, false
}

// driverLayer runs the matcher per device. Caller holds the read lock.
func (s *Service) driverLayer(req *SyncRequest, installed, exclude map[uuid.UUID]struct{}) ([]*musync.Update, bool) {
	cached := guidSet(req.CachedDriverIDs)
	var out []*musync.Update
	seen := make(map[musync.Identity]struct{})
	for _, dev := range req.Devices {
		m, ok := s.matcher.Match(&drivermatch.Request{
			HardwareIDs:         dev.HardwareIDs,
			ComputerHardwareIDs: req.ComputerHardwareIDs,
			Installed:           installed,
			Current:             dev.Current,
		})
		if !ok {
			continue
		}
		id := m.Update.Identity
		if _, ok := seen[id]; ok {
			continue
		}
		if _, ok := cached[id.ID]; ok {
			continue
		}
		if _, ok := exclude[id.ID]; ok {
			continue
		}
		if !s.approvals.IsApproved(id) {
			if s.audit != nil {
				s.audit(id)
			}
			continue
		}
		seen[id] = struct{}{}
		out = append(out, m.Update)
		if len(out) > MaxUpdatesPerResponse {
			return out[:MaxUpdatesPerResponse], true
		}
	}
	return out, false
}

// deploymentAction classifies an offered update. Non-leaf offers evaluate;
// leaf offers install, except bundle members which install through their
// parent.
func (s *Service) deploymentAction(u *musync.Update, leaf bool) DeploymentAction {
	if !leaf {
		return ActionEvaluate
	}
	if len(s.g.BundlesOf(u.Identity.ID)) != 0 {
		return ActionBundle
	}
	return ActionInstall
}

func (s *Service) coreFragment(ctx context.Context, id musync.Identity) (string, error) {
	xml, err := s.store.GetXML(ctx, id)
	if err != nil {
		return "", err
	}
	doc, err := wuxml.ParseDocument(xml)
	if err != nil {
		return "", &musync.Error{Op: "clientsync.coreFragment", Kind: musync.ErrInternal, Inner: err}
	}
	return doc.Core(), nil
}

func guidSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	m := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
