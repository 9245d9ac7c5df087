package gco

import (
	"cmp"
	"context"
	"html/template"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrHierarchy reports an entity classified under two parents or under
// itself, directly or through its ancestors.
var ErrHierarchy = errors.New("inconsistent hierarchy")

// Node is one entity of the classification hierarchy.
type Node struct {
	ID   int64
	Name string
}

// Graph is the classification forest: each entity has at most one parent.
type Graph struct {
	parents map[int64]int64
	names   map[int64]string
}

func NewGraph() *Graph {
	return &Graph{parents: make(map[int64]int64), names: make(map[int64]string)}
}

// Add records that child is classified under parent. The graph stays a
// forest: a second parent or an edge closing a cycle is rejected.
func (g *Graph) Add(child, parent int64) error {
	if p, ok := g.parents[child]; ok {
		if p != parent {
			return errors.Wrapf(ErrHierarchy, "%d has two parents: %d and %d", child, p, parent)
		}
		return nil
	}
	for a, ok := parent, true; ok; a, ok = g.parents[a] {
		if a == child {
			return errors.Wrapf(ErrHierarchy, "classifying %d under %d makes a cycle", child, parent)
		}
	}
	g.parents[child] = parent
	return nil
}

func (g *Graph) Name(id int64, name string) { g.names[id] = name }

// SampleGraph is a small fixed hierarchy for offline runs.
func SampleGraph() *Graph {
	g := NewGraph()
	for child, parent := range map[int64]int64{510: 517, 511: 517, 513: 511, 516: 508, 517: 508} {
		_ = g.Add(child, parent)
	}
	for id, name := range map[int64]string{
		508: "Bent", 510: "Conlon", 511: "Hajjar", 513: "Desimone", 516: "Reuter", 517: "Brett",
	} {
		g.Name(id, name)
	}
	return g
}

type classEdge struct {
	Entity     int64   `db:"entity_pidm"`
	Class      int64   `db:"class_pidm"`
	EntityName *string `db:"entity_name"`
	ClassName  *string `db:"class_name"`
}

// LoadGraph reads entity_class with the SPRIDEN name of every entity.
func (s *Service) LoadGraph(ctx context.Context) (*Graph, error) {
	var edges []classEdge
	if err := s.conn.Select(ctx, &edges,
		`SELECT ec.entity_pidm, ec.class_pidm,
			e.spriden_last_name AS entity_name, c.spriden_last_name AS class_name
		FROM entity_class ec
		LEFT JOIN spriden_norm e ON e.spriden_pidm = ec.entity_pidm
		LEFT JOIN spriden_norm c ON c.spriden_pidm = ec.class_pidm
		ORDER BY ec.entity_pidm, ec.class_pidm`); err != nil {
		return nil, err
	}
	g := NewGraph()
	for _, e := range edges {
		if err := g.Add(e.Entity, e.Class); err != nil {
			return nil, err
		}
		if e.EntityName != nil {
			g.Name(e.Entity, *e.EntityName)
		}
		if e.ClassName != nil {
			g.Name(e.Class, *e.ClassName)
		}
	}
	logging.FromContext(ctx).WithField("edges", len(edges)).Debug("hierarchy loaded")
	return g, nil
}

func (g *Graph) byName(ids []int64) {
	slices.SortFunc(ids, func(a, b int64) int {
		return cmp.Or(strings.Compare(g.names[a], g.names[b]), cmp.Compare(a, b))
	})
}

func (g *Graph) node(id int64) Node { return Node{ID: id, Name: g.names[id]} }

// Paths lists every root-to-leaf path. Roots and siblings are ordered by
// name. When roots are given only their subtrees are reported.
func (g *Graph) Paths(roots ...int64) [][]Node {
	children := make(map[int64][]int64)
	for child, parent := range g.parents {
		children[parent] = append(children[parent], child)
	}
	for _, c := range children {
		g.byName(c)
	}

	if len(roots) == 0 {
		for parent := range children {
			if _, ok := g.parents[parent]; !ok {
				roots = append(roots, parent)
			}
		}
	}
	roots = slices.Clone(roots)
	g.byName(roots)

	var out [][]Node
	onPath := make(map[int64]bool)
	var walk func(path []Node, id int64)
	walk = func(path []Node, id int64) {
		if onPath[id] {
			return
		}
		onPath[id] = true
		defer delete(onPath, id)
		path = append(path, g.node(id))
		kids := children[id]
		if len(kids) == 0 {
			out = append(out, slices.Clone(path))
			return
		}
		for _, k := range kids {
			walk(path, k)
		}
	}
	for _, r := range roots {
		walk(nil, r)
	}
	return out
}

var reportTemplate = template.Must(template.New("hierarchy").Parse(`<!DOCTYPE html>
<html lang="en-US">
  <head>
    <meta charset="UTF-8">
    <title>SPRIDEN hierarchy report</title>
    <style>
      h1 { font-size: 120%; }
      table, td, th { border-collapse: collapse; border: 1px solid black; }
    </style>
  </head>
  <body>
    <h1>SPRIDEN hierarchy report</h1>
    <table>
      <tbody>
{{- range .}}
        <tr valign="baseline">
{{- range .}}
          <td class="id">{{.ID}}</td>
          <td class="name">{{.Name}}</td>
{{- end}}
        </tr>
{{- end}}
      </tbody>
    </table>
  </body>
</html>
`))

// RenderHierarchy writes paths as an HTML table, one row per path with an
// id and a name cell per entity.
func RenderHierarchy(w io.Writer, paths [][]Node) error {
	if err := reportTemplate.Execute(w, paths); err != nil {
		return errors.Wrap(err, "render hierarchy")
	}
	return nil
}

// LoadClasses records entity_pidm,class_pidm pairs in entity_class. A
// leading header row is skipped. Pairs already present are ignored.
func (s *Service) LoadClasses(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "gco_classes")
	tally := metrics.NewTally("gco_classes")
	graph, err := s.LoadGraph(ctx)
	if err != nil {
		return tally.Counts(), err
	}

	first := true
	err = s.conn.InTx(ctx, func(ctx context.Context) error {
		for {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(row) == 0 {
				continue
			}
			if len(row) < 2 {
				tally.Failed()
				return tabular.Invalidf(rows.Line(), "has %d columns, want 2", len(row))
			}
			entity, errE := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
			class, errC := strconv.ParseInt(strings.TrimSpace(row[1]), 10, 64)
			if errE != nil || errC != nil {
				if first {
					first = false
					continue
				}
				tally.Failed()
				return tabular.Invalidf(rows.Line(), "bad PIDM pair %q, %q", row[0], row[1])
			}
			first = false
			tally.Read()
			if err := graph.Add(entity, class); err != nil {
				tally.Failed()
				return errors.Wrapf(err, "line %d", rows.Line())
			}
			n, err := s.conn.Write(ctx,
				"INSERT INTO entity_class (entity_pidm, class_pidm) VALUES (?, ?) ON CONFLICT DO NOTHING",
				entity, class)
			if err != nil {
				return err
			}
			if n == 0 {
				tally.Skipped()
				continue
			}
			tally.Written()
		}
	})
	log.WithFields(logrus.Fields{"written": tally.Counts().Written}).Info(tally.String())
	return tally.Counts(), err
}
