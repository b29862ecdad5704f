// Package spacemap builds the virtual tuning-space layout clients
// enumerate. Catalog channels from one or more drivers are merged into
// deterministic spaces ordered by band: terrestrial grouped by region,
// then BS, CS, 4K, and anything else. Empty bands are skipped, so the
// same catalog always yields the same space indices.
package spacemap

import (
	"sort"

	"github.com/bondnet/bonproxy/internal/arib"
	"github.com/bondnet/bonproxy/internal/catalog"
)

// Source is one concrete way to receive an entry: a driver and the
// driver-local coordinates the service was scanned on.
type Source struct {
	DriverID     int64
	DriverPath   string
	Space        uint32
	Channel      uint32
	ChannelID    int64
	Priority     int
	ScanPriority int
}

// Entry is one virtual channel. Identical services seen through several
// drivers collapse into a single entry with multiple sources, best first.
type Entry struct {
	Name        string
	NID         uint16
	TSID        uint16
	SID         uint16
	ServiceType uint8
	RemoteKey   int
	Sources     []Source
}

// Space is one virtual tuning space.
type Space struct {
	Name    string
	Band    arib.BandType
	Region  string
	Entries []Entry
}

// Map is an immutable virtual-space layout.
type Map struct {
	spaces []Space
}

type identity struct {
	nid, tsid, sid uint16
}

type bucketKey struct {
	band     arib.BandType
	regionID int
}

// Build merges candidate channels into a Map. The input order does not
// matter; the result is fully determined by the channel identities.
func Build(cands []catalog.Candidate) *Map {
	entries := make(map[identity]*Entry)
	var order []identity
	for _, c := range cands {
		id := identity{c.NID, c.TSID, c.SID}
		e, ok := entries[id]
		if !ok {
			e = &Entry{
				Name:        c.Name,
				NID:         c.NID,
				TSID:        c.TSID,
				SID:         c.SID,
				ServiceType: c.ServiceType,
				RemoteKey:   c.RemoteKey,
			}
			entries[id] = e
			order = append(order, id)
		}
		if e.Name == "" {
			e.Name = c.Name
		}
		if e.RemoteKey == 0 {
			e.RemoteKey = c.RemoteKey
		}
		e.Sources = append(e.Sources, Source{
			DriverID:     c.DriverID,
			DriverPath:   c.DriverPath,
			Space:        c.BonSpace,
			Channel:      c.BonChannel,
			ChannelID:    c.ID,
			Priority:     c.Priority,
			ScanPriority: c.ScanPriority,
		})
	}

	buckets := make(map[bucketKey][]Entry)
	for _, id := range order {
		e := entries[id]
		sort.Slice(e.Sources, func(i, j int) bool {
			a, b := e.Sources[i], e.Sources[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.ScanPriority != b.ScanPriority {
				return a.ScanPriority > b.ScanPriority
			}
			return a.DriverID < b.DriverID
		})
		key := bucketKey{band: arib.BandFromNID(e.NID)}
		if rid, ok := arib.RegionIDFromNID(e.NID); ok {
			key.regionID = rid
		}
		buckets[key] = append(buckets[key], *e)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if ra, rb := bandRank(a.band), bandRank(b.band); ra != rb {
			return ra < rb
		}
		return a.regionID < b.regionID
	})

	m := &Map{}
	for _, k := range keys {
		es := buckets[k]
		sort.Slice(es, func(i, j int) bool { return entryLess(es[i], es[j]) })
		sp := Space{Name: bandName(k.band), Band: k.band, Entries: es}
		if k.band == arib.BandTerrestrial {
			sp.Region, _ = arib.RegionFromNID(es[0].NID)
			sp.Name = sp.Name + " " + sp.Region
		}
		m.spaces = append(m.spaces, sp)
	}
	return m
}

// BuildFromChannels builds a Map from bare catalog channels; each entry
// gets one source without a driver path. Used for single-driver sessions
// where the path is already known.
func BuildFromChannels(path string, chans []catalog.Channel) *Map {
	cands := make([]catalog.Candidate, len(chans))
	for i, c := range chans {
		cands[i] = catalog.Candidate{Channel: c, DriverPath: path}
	}
	return Build(cands)
}

func bandRank(b arib.BandType) int {
	switch b {
	case arib.BandTerrestrial:
		return 0
	case arib.BandBS:
		return 1
	case arib.BandCS:
		return 2
	case arib.Band4K:
		return 3
	default:
		return 4
	}
}

// entryLess orders entries within a space. Remote-control keys come
// first when assigned; unkeyed services trail in identity order.
func entryLess(a, b Entry) bool {
	ka, kb := a.RemoteKey, b.RemoteKey
	if ka > 0 && kb > 0 && ka != kb {
		return ka < kb
	}
	if (ka > 0) != (kb > 0) {
		return ka > 0
	}
	if a.NID != b.NID {
		return a.NID < b.NID
	}
	if a.TSID != b.TSID {
		return a.TSID < b.TSID
	}
	return a.SID < b.SID
}

func bandName(b arib.BandType) string {
	switch b {
	case arib.BandTerrestrial:
		return "地デジ"
	case arib.BandBS:
		return "BS"
	case arib.BandCS:
		return "CS"
	case arib.Band4K:
		return "4K"
	default:
		return "その他"
	}
}

// Spaces returns the ordered virtual spaces.
func (m *Map) Spaces() []Space { return m.spaces }

// SpaceName names one virtual space; false means past the end.
func (m *Map) SpaceName(space uint32) (string, bool) {
	if int(space) >= len(m.spaces) {
		return "", false
	}
	return m.spaces[space].Name, true
}

// ChannelName names one virtual channel; false means past the end of
// either index.
func (m *Map) ChannelName(space, ch uint32) (string, bool) {
	e, ok := m.Resolve(space, ch)
	if !ok {
		return "", false
	}
	return e.Name, true
}

// Resolve returns the entry behind a virtual (space, channel) pair.
func (m *Map) Resolve(space, ch uint32) (Entry, bool) {
	if int(space) >= len(m.spaces) {
		return Entry{}, false
	}
	es := m.spaces[space].Entries
	if int(ch) >= len(es) {
		return Entry{}, false
	}
	return es[ch], true
}

// Locate finds the virtual coordinates of a service identity.
func (m *Map) Locate(nid, tsid, sid uint16) (space, ch uint32, ok bool) {
	for si, sp := range m.spaces {
		for ci, e := range sp.Entries {
			if e.NID == nid && e.TSID == tsid && e.SID == sid {
				return uint32(si), uint32(ci), true
			}
		}
	}
	return 0, 0, false
}
