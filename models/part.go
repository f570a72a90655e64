package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxLevel is the merge level of fake parts covering a whole block range,
// used by DROP_RANGE and CLEAR_COLUMN entries.
const MaxLevel = 999999999

// PartInfo is the parsed form of a part name:
// <partition>_<min block>_<max block>_<level>[_<mutation version>].
type PartInfo struct {
	Partition string
	MinBlock  int64
	MaxBlock  int64
	Level     int64
	Mutation  int64
}

// ParsePartName parses name into a PartInfo.
func ParsePartName(name string) (PartInfo, error) {
	fields := strings.Split(name, "_")
	if len(fields) != 4 && len(fields) != 5 {
		return PartInfo{}, errors.Errorf("unexpected part name %q", name)
	}
	if fields[0] == "" {
		return PartInfo{}, errors.Errorf("empty partition in part name %q", name)
	}
	nums := make([]int64, len(fields)-1)
	for i, f := range fields[1:] {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return PartInfo{}, errors.Errorf("bad number %q in part name %q", f, name)
		}
		nums[i] = n
	}
	p := PartInfo{Partition: fields[0], MinBlock: nums[0], MaxBlock: nums[1], Level: nums[2]}
	if len(nums) == 4 {
		p.Mutation = nums[3]
	}
	if p.MinBlock > p.MaxBlock {
		return PartInfo{}, errors.Errorf("min block greater than max block in part name %q", name)
	}
	return p, nil
}

// MustParsePartName is ParsePartName for names known to be valid.
func MustParsePartName(name string) PartInfo {
	p, err := ParsePartName(name)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PartInfo) Name() string {
	if p.Mutation > 0 {
		return fmt.Sprintf("%s_%d_%d_%d_%d", p.Partition, p.MinBlock, p.MaxBlock, p.Level, p.Mutation)
	}
	return fmt.Sprintf("%s_%d_%d_%d", p.Partition, p.MinBlock, p.MaxBlock, p.Level)
}

func (p PartInfo) String() string {
	return p.Name()
}

// DataVersion is the block number of the newest data the part reflects.
// Mutations with a larger version still have to be applied to it.
func (p PartInfo) DataVersion() int64 {
	if p.Mutation > 0 {
		return p.Mutation
	}
	return p.MinBlock
}

// Contains reports whether p holds all the data of other (or is other).
func (p PartInfo) Contains(other PartInfo) bool {
	return p.Partition == other.Partition &&
		p.MinBlock <= other.MinBlock &&
		p.MaxBlock >= other.MaxBlock &&
		p.Level >= other.Level &&
		p.Mutation >= other.Mutation
}

// Covers is the strict form of Contains.
func (p PartInfo) Covers(other PartInfo) bool {
	return p != other && p.Contains(other)
}

// Intersects reports whether the block ranges overlap.
func (p PartInfo) Intersects(other PartInfo) bool {
	return p.Partition == other.Partition &&
		p.MinBlock <= other.MaxBlock &&
		other.MinBlock <= p.MaxBlock
}

// Less orders parts by partition, then by block range.
func (p PartInfo) Less(other PartInfo) bool {
	if p.Partition != other.Partition {
		return p.Partition < other.Partition
	}
	if p.MinBlock != other.MinBlock {
		return p.MinBlock < other.MinBlock
	}
	if p.MaxBlock != other.MaxBlock {
		return p.MaxBlock < other.MaxBlock
	}
	if p.Level != other.Level {
		return p.Level < other.Level
	}
	return p.Mutation < other.Mutation
}

// MutatedTo returns the part produced by applying the mutation with version
// to p. The range and level are kept.
func (p PartInfo) MutatedTo(version int64) PartInfo {
	out := p
	out.Mutation = version
	return out
}

// MergedPart computes the deterministic result of merging parts.
// All parts must belong to the same partition.
func MergedPart(parts []PartInfo) (PartInfo, error) {
	if len(parts) == 0 {
		return PartInfo{}, errors.New("no parts to merge")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		if p.Partition != out.Partition {
			return PartInfo{}, errors.Errorf("cannot merge parts of partitions %s and %s", out.Partition, p.Partition)
		}
		if p.MinBlock < out.MinBlock {
			out.MinBlock = p.MinBlock
		}
		if p.MaxBlock > out.MaxBlock {
			out.MaxBlock = p.MaxBlock
		}
		if p.Level > out.Level {
			out.Level = p.Level
		}
		if p.Mutation > out.Mutation {
			out.Mutation = p.Mutation
		}
	}
	out.Level++
	return out, nil
}

// MergedName is MergedPart over part names.
func MergedName(names []string) (string, error) {
	parts := make([]PartInfo, 0, len(names))
	for _, n := range names {
		p, err := ParsePartName(n)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	merged, err := MergedPart(parts)
	if err != nil {
		return "", err
	}
	return merged.Name(), nil
}

// DropRangeInfo is a fake part covering every part of partition with blocks
// below or at maxBlock.
func DropRangeInfo(partition string, maxBlock int64) PartInfo {
	return PartInfo{Partition: partition, MinBlock: 0, MaxBlock: maxBlock, Level: MaxLevel, Mutation: MaxLevel}
}

// IsFakeDropRange reports whether p was produced by DropRangeInfo.
func (p PartInfo) IsFakeDropRange() bool {
	return p.Level == MaxLevel
}
