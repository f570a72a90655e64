package models

import (
	"sort"
)

// ActivePartSet is a set of non-overlapping parts where no member contains
// another. Adding a part evicts every member it covers. It is not safe for
// concurrent use.
type ActivePartSet struct {
	parts []PartInfo // sorted by Less
}

func NewActivePartSet(names ...string) (*ActivePartSet, error) {
	s := &ActivePartSet{}
	for _, n := range names {
		p, err := ParsePartName(n)
		if err != nil {
			return nil, err
		}
		s.Add(p)
	}
	return s, nil
}

func (s *ActivePartSet) search(p PartInfo) int {
	return sort.Search(len(s.parts), func(i int) bool { return !s.parts[i].Less(p) })
}

// Add inserts p unless an existing member already contains it. It returns
// the members p replaced and whether p was added.
func (s *ActivePartSet) Add(p PartInfo) (replaced []PartInfo, added bool) {
	if _, ok := s.ContainingPart(p); ok {
		return nil, false
	}
	kept := s.parts[:0:0]
	for _, existing := range s.parts {
		if p.Contains(existing) {
			replaced = append(replaced, existing)
			continue
		}
		kept = append(kept, existing)
	}
	s.parts = kept
	i := s.search(p)
	s.parts = append(s.parts, PartInfo{})
	copy(s.parts[i+1:], s.parts[i:])
	s.parts[i] = p
	return replaced, true
}

// AddName parses name and calls Add.
func (s *ActivePartSet) AddName(name string) (bool, error) {
	p, err := ParsePartName(name)
	if err != nil {
		return false, err
	}
	_, added := s.Add(p)
	return added, nil
}

func (s *ActivePartSet) Remove(p PartInfo) bool {
	i := s.search(p)
	if i < len(s.parts) && s.parts[i] == p {
		s.parts = append(s.parts[:i], s.parts[i+1:]...)
		return true
	}
	return false
}

func (s *ActivePartSet) Has(p PartInfo) bool {
	i := s.search(p)
	return i < len(s.parts) && s.parts[i] == p
}

// ContainingPart returns the member containing p, if any.
func (s *ActivePartSet) ContainingPart(p PartInfo) (PartInfo, bool) {
	for _, existing := range s.parts {
		if existing.Contains(p) {
			return existing, true
		}
	}
	return PartInfo{}, false
}

// ContainingPartName is ContainingPart over a part name; it returns "" when
// nothing contains it.
func (s *ActivePartSet) ContainingPartName(name string) string {
	p, err := ParsePartName(name)
	if err != nil {
		return ""
	}
	if c, ok := s.ContainingPart(p); ok {
		return c.Name()
	}
	return ""
}

// PartsInRange returns the members contained in p.
func (s *ActivePartSet) PartsInRange(p PartInfo) []PartInfo {
	var out []PartInfo
	for _, existing := range s.parts {
		if p.Contains(existing) {
			out = append(out, existing)
		}
	}
	return out
}

// PartsInPartition returns the members of partition in block order.
func (s *ActivePartSet) PartsInPartition(partition string) []PartInfo {
	var out []PartInfo
	for _, existing := range s.parts {
		if existing.Partition == partition {
			out = append(out, existing)
		}
	}
	return out
}

func (s *ActivePartSet) Parts() []PartInfo {
	return append([]PartInfo(nil), s.parts...)
}

func (s *ActivePartSet) Names() []string {
	names := make([]string, len(s.parts))
	for i, p := range s.parts {
		names[i] = p.Name()
	}
	return names
}

func (s *ActivePartSet) Size() int {
	return len(s.parts)
}
