// Package drivermatch ranks driver updates against a device's hardware.
//
// The client reports its device hardware IDs most-specific first, with
// compatible IDs appended, plus the machine's computer hardware IDs and
// the installed prerequisite set. Candidates are scored by an ordered
// tuple; the lexicographically smallest tuple wins.
package drivermatch

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/musync/musync"
	"github.com/musync/musync/graph"
)

// noComputerIndex ranks an unconstrained entry below every constrained one
// on the computer-hwid component.
const noComputerIndex = math.MaxInt

// Request is one device's matching input.
type Request struct {
	// HardwareIDs lists the device's hardware IDs, most specific first,
	// compatible IDs after.
	HardwareIDs []string
	// ComputerHardwareIDs lists the machine's computer hardware IDs in
	// preference order.
	ComputerHardwareIDs []string
	// Installed is the set of installed prerequisite GUIDs.
	Installed map[uuid.UUID]struct{}
	// Current describes the driver already bound to the device, if any.
	// A candidate that does not improve on it is not offered.
	Current *InstalledDriver
}

// InstalledDriver is the client's report of the driver currently serving a
// device, reduced to its ranking components. Missing fields use the same
// sentinels as candidates: no computer constraint reads as the maximum
// index, no feature score reads as 255.
type InstalledDriver struct {
	DeviceIndex   int
	ComputerIndex int
	FeatureScore  uint8
	Date          time.Time
	Version       musync.DriverVersion
}

// Rank is a candidate's ordered ranking tuple. Smaller is better on the
// index and score components; newer is better on date and version.
type Rank struct {
	DeviceIndex   int
	ComputerIndex int
	FeatureScore  uint8
	Date          time.Time
	Version       musync.DriverVersion
}

// Less reports whether r ranks strictly better than o.
func (r Rank) Less(o Rank) bool {
	switch {
	case r.DeviceIndex != o.DeviceIndex:
		return r.DeviceIndex < o.DeviceIndex
	case r.ComputerIndex != o.ComputerIndex:
		return r.ComputerIndex < o.ComputerIndex
	case r.FeatureScore != o.FeatureScore:
		return r.FeatureScore < o.FeatureScore
	case !r.Date.Equal(o.Date):
		return r.Date.After(o.Date)
	case r.Version != o.Version:
		return r.Version > o.Version
	}
	return false
}

// Match is one ranked driver offer.
type Match struct {
	Update *musync.Update
	Meta   *musync.DriverMetadata
	Rank   Rank
}

// Matcher evaluates driver requests against a catalog graph.
type Matcher struct {
	g *graph.Graph
}

// New returns a Matcher over the graph.
func New(g *graph.Graph) *Matcher {
	return &Matcher{g: g}
}

// Match returns the best driver offer for the request, or false when no
// candidate is applicable, better than the installed driver, and matching
// the device.
func (m *Matcher) Match(req *Request) (*Match, bool) {
	var best *Match
	for _, u := range m.g.DriverCandidates(req.HardwareIDs) {
		if !u.Applicable(req.Installed) {
			continue
		}
		for i := range u.Drivers {
			meta := &u.Drivers[i]
			r, ok := rank(meta, req)
			if !ok {
				continue
			}
			switch {
			case best == nil,
				r.Less(best.Rank):
				best = &Match{Update: u, Meta: meta, Rank: r}
			case !best.Rank.Less(r) && u.Identity.Compare(best.Update.Identity) < 0:
				// Equal tuples break on identity order.
				best = &Match{Update: u, Meta: meta, Rank: r}
			}
		}
	}
	if best == nil {
		return nil, false
	}
	if req.Current != nil && installedRank(req.Current).beats(best.Rank) {
		return nil, false
	}
	return best, true
}

// rank scores one metadata entry, rejecting entries that match none of the
// device IDs or whose computer constraint the machine does not meet.
func rank(meta *musync.DriverMetadata, req *Request) (Rank, bool) {
	dev := -1
	for i, hw := range req.HardwareIDs {
		if strings.EqualFold(meta.HardwareID, hw) || strings.EqualFold(meta.CompatibleID, hw) {
			dev = i
			break
		}
	}
	if dev < 0 {
		return Rank{}, false
	}
	comp := noComputerIndex
	if meta.ComputerHardwareID != "" {
		comp = -1
		for i, hw := range req.ComputerHardwareIDs {
			if strings.EqualFold(meta.ComputerHardwareID, hw) {
				comp = i
				break
			}
		}
		if comp < 0 {
			return Rank{}, false
		}
	}
	return Rank{
		DeviceIndex:   dev,
		ComputerIndex: comp,
		FeatureScore:  meta.Score(),
		Date:          meta.Date,
		Version:       meta.Version,
	}, true
}

// installedRank reorders the installed driver's components into the
// suppression tuple.
type suppressTuple struct {
	ComputerIndex int
	FeatureScore  uint8
	DeviceIndex   int
	Date          time.Time
	Version       musync.DriverVersion
}

func installedRank(d *InstalledDriver) suppressTuple {
	return suppressTuple{
		ComputerIndex: d.ComputerIndex,
		FeatureScore:  d.FeatureScore,
		DeviceIndex:   d.DeviceIndex,
		Date:          d.Date,
		Version:       d.Version,
	}
}

// beats reports whether the installed driver sorts at least as well as the
// candidate, comparing (computer-hwid index, feature score, device-hwid
// index, date, version) with newer date and version sorting better.
func (s suppressTuple) beats(c Rank) bool {
	cand := suppressTuple{
		ComputerIndex: c.ComputerIndex,
		FeatureScore:  c.FeatureScore,
		DeviceIndex:   c.DeviceIndex,
		Date:          c.Date,
		Version:       c.Version,
	}
	switch {
	case s.ComputerIndex != cand.ComputerIndex:
		return s.ComputerIndex < cand.ComputerIndex
	case s.FeatureScore != cand.FeatureScore:
		return s.FeatureScore < cand.FeatureScore
	case s.DeviceIndex != cand.DeviceIndex:
		return s.DeviceIndex < cand.DeviceIndex
	case !s.Date.Equal(cand.Date):
		return s.Date.After(cand.Date)
	case s.Version != cand.Version:
		return s.Version > cand.Version
	}
	// Exactly equal: the installed driver is already as good.
	return true
}
