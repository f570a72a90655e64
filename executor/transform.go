// Package executor holds the local part transformations: merging parts,
// applying mutations and clearing columns. Every Transformer must be
// deterministic so that replicas computing the same part end up with
// byte-identical payloads.
package executor

import (
	"context"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/alpacahq/replicatedtree/models"
)

// Source is an input part of a transformation.
type Source struct {
	Info models.PartInfo
	Data []byte
}

type Transformer interface {
	Merge(ctx context.Context, sources []Source) ([]byte, error)
	Mutate(ctx context.Context, src Source, commands []models.MutationCommand) ([]byte, error)
	ClearColumn(ctx context.Context, src Source, column string) ([]byte, error)
}

// RowTransformer works on row payloads (see Row). Merges keep sources in
// block order and, when OrderBy is set, stable sort by that column.
type RowTransformer struct {
	OrderBy string
}

var _ Transformer = (*RowTransformer)(nil)

func NewRowTransformer(orderBy string) *RowTransformer {
	return &RowTransformer{OrderBy: orderBy}
}

func (t *RowTransformer) Merge(ctx context.Context, sources []Source) ([]byte, error) {
	if len(sources) == 0 {
		return nil, NoSourceParts("merge")
	}
	ordered := append([]Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Info.Less(ordered[j].Info) })

	var rows []Row
	for _, src := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := ParseRows(src.Data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
	}
	if t.OrderBy != "" {
		key := t.OrderBy
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := rows[i].Get(key)
			b, _ := rows[j].Get(key)
			return a < b
		})
	}
	return FormatRows(rows), nil
}

// Mutate applies commands in order. DELETE drops matching rows, UPDATE sets
// Column to Value in matching rows.
func (t *RowTransformer) Mutate(ctx context.Context, src Source, commands []models.MutationCommand) ([]byte, error) {
	rows, err := ParseRows(src.Data)
	if err != nil {
		return nil, err
	}
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		match, err := CompilePredicate(cmd.Predicate)
		if err != nil {
			return nil, err
		}
		switch cmd.Type {
		case models.MutationDelete:
			kept := rows[:0:0]
			for _, row := range rows {
				if !match(row) {
					kept = append(kept, row)
				}
			}
			rows = kept
		case models.MutationUpdate:
			for i, row := range rows {
				if match(row) {
					rows[i] = row.Set(cmd.Column, cmd.Value)
				}
			}
		default:
			return nil, UnknownCommand(cmd.Type)
		}
	}
	return FormatRows(rows), nil
}

func (t *RowTransformer) ClearColumn(ctx context.Context, src Source, column string) ([]byte, error) {
	rows, err := ParseRows(src.Data)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		rows[i] = row.Without(column)
	}
	return FormatRows(rows), nil
}

// CompilePredicate parses "<column> <glob>". An empty predicate matches
// every row.
func CompilePredicate(predicate string) (func(Row) bool, error) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return func(Row) bool { return true }, nil
	}
	parts := strings.SplitN(predicate, " ", 2)
	if len(parts) != 2 {
		return nil, BadPredicate(predicate)
	}
	column := parts[0]
	g, err := glob.Compile(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, BadPredicate(predicate)
	}
	return func(row Row) bool {
		v, ok := row.Get(column)
		return ok && g.Match(v)
	}, nil
}
