package foundation

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

// FACTS corporate classifications.
const (
	classMatchingGift = "Match Gft Prog"
	classFoundation   = "Foundation"
)

var (
	sameEntityClasses = []string{"Branch Office", "Defunct Company"}
	subsidiaryClasses = []string{"Subsidiary", "Subsidiary Co.", "Foreign Subsid", "U.S. Subsidiary", "Division"}
)

type RelationshipOptions struct {
	Scheme  string
	Source  string
	Comment string
	// Merge merges two master organizations found to be the same entity
	// instead of only reporting them.
	Merge bool
}

// level is one organization of a FACTS corporate hierarchy row.
type level struct {
	otherID        string
	masterID       int64
	known          bool
	name           string
	classification string
}

type masterLookup struct {
	id    int64
	found bool
}

type relationshipRun struct {
	s          *Service
	opts       RelationshipOptions
	scheme     int64
	source     int64
	subsidiary int64
	foundation int64
	cache      map[string]masterLookup
}

func (r *relationshipRun) masterFor(ctx context.Context, otherID string) (int64, bool, error) {
	if m, ok := r.cache[otherID]; ok {
		return m.id, m.found, nil
	}
	id, found, err := r.s.master.MasterIDForOtherID(ctx, otherID, r.scheme)
	if err != nil {
		return 0, false, err
	}
	r.cache[otherID] = masterLookup{id: id, found: found}
	return id, found, nil
}

// LoadRelationships reads FACTS corporate hierarchies. Each row holds
// level0_id, level0_name, level0_description, level1_id and so on from the
// top of the hierarchy down. Each level is related to the level above it
// according to its classification.
func (s *Service) LoadRelationships(ctx context.Context, rows tabular.Rows, opts RelationshipOptions) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "corporate_relationships")
	tally := metrics.NewTally("corporate_relationships")

	scheme, source, err := s.resolve(ctx, opts.Scheme, opts.Source)
	if err != nil {
		return tally.Counts(), err
	}
	subsidiary, err := s.master.RelationshipTypeID(ctx, master.RelSubsidiary)
	if err != nil {
		return tally.Counts(), err
	}
	foundation, err := s.master.RelationshipTypeID(ctx, master.RelFoundation)
	if err != nil {
		return tally.Counts(), err
	}
	run := &relationshipRun{
		s: s, opts: opts, scheme: scheme, source: source,
		subsidiary: subsidiary, foundation: foundation,
		cache: make(map[string]masterLookup),
	}

	header, err := tabular.ReadHeader(rows)
	if err != nil {
		return tally.Counts(), err
	}
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Counts(), err
		}
		tally.Read()
		cols := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				cols[h] = strings.TrimSpace(row[i])
			}
		}
		rowLog := log.WithField("line", rows.Line())
		if err := s.conn.InTx(ctx, func(ctx context.Context) error {
			return run.row(ctx, rowLog, cols)
		}); err != nil {
			rowLog.WithError(err).Error("could not load relationships")
			// a rolled back merge leaves cached ids pointing at the wrong org
			clear(run.cache)
			tally.Failed()
			continue
		}
		tally.Written()
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}

func (r *relationshipRun) row(ctx context.Context, log *logrus.Entry, cols map[string]string) error {
	var prev *level
	for i := range len(cols) {
		prefix := fmt.Sprintf("level%d_", i)
		otherID := cols[prefix+"id"]
		if otherID == "" {
			return nil
		}
		id, found, err := r.masterFor(ctx, otherID)
		if err != nil {
			return err
		}
		org := level{
			otherID:        otherID,
			masterID:       id,
			known:          found,
			name:           cols[prefix+"name"],
			classification: cols[prefix+"description"],
		}
		// matching gift programs and everything under them are ignored
		if org.classification == classMatchingGift {
			return nil
		}
		sameEntity := slices.Contains(sameEntityClasses, org.classification)
		if !org.known && !sameEntity {
			log.WithFields(logrus.Fields{
				"scheme": r.opts.Scheme, "other_id": org.otherID, "name": org.name, "classification": org.classification,
			}).Warn("no record for organization")
			prev = nil
			continue
		}

		if prev != nil && (prev.known || org.known) {
			switch {
			case sameEntity:
				if err := r.sameEntity(ctx, log, prev, &org); err != nil {
					return err
				}
			case slices.Contains(subsidiaryClasses, org.classification):
				if err := r.relate(ctx, log, org, *prev, r.subsidiary, master.RelSubsidiary); err != nil {
					return err
				}
			case org.classification == classFoundation:
				if err := r.relate(ctx, log, org, *prev, r.foundation, master.RelFoundation); err != nil {
					return err
				}
			}
		}
		prev = &org
	}
	return nil
}

// sameEntity handles a branch office or defunct company, which is the same
// organization as its parent. When both have distinct master records they
// are merged (or reported); otherwise the unknown one's FACTS id and name
// are recorded on the known master.
func (r *relationshipRun) sameEntity(ctx context.Context, log *logrus.Entry, prev, org *level) error {
	if prev.known && org.known && prev.masterID != org.masterID {
		fields := logrus.Fields{"keep": prev.masterID, "lose": org.masterID}
		if !r.opts.Merge {
			log.WithFields(fields).Warn("external orgs need merging")
			return nil
		}
		if err := r.s.master.MergeExternalOrg(ctx, prev.masterID, org.masterID, r.source, r.opts.Comment); err != nil {
			return err
		}
		for k, m := range r.cache {
			if m.found && m.id == org.masterID {
				delete(r.cache, k)
			}
		}
		org.masterID = prev.masterID
		return nil
	}

	masterID, otherID, name := prev.masterID, org.otherID, org.name
	if !prev.known {
		masterID, otherID, name = org.masterID, prev.otherID, prev.name
	}
	log.WithFields(logrus.Fields{"other_id": otherID, "org": masterID}).Debug("adding other id")
	if err := r.s.master.AddOtherID(ctx, masterID, otherID, r.scheme, r.source, r.opts.Comment); err != nil {
		return err
	}
	if name != "" {
		if err := r.s.master.AddAlias(ctx, masterID, name, r.source, master.DefaultLang, r.opts.Comment); err != nil {
			return err
		}
	}
	r.cache[otherID] = masterLookup{id: masterID, found: true}
	if !org.known {
		org.masterID, org.known = prev.masterID, true
	}
	return nil
}

// relate records that child stands in relationship rel to parent.
func (r *relationshipRun) relate(ctx context.Context, log *logrus.Entry, child, parent level, rel int64, relName string) error {
	if !parent.known || child.masterID == parent.masterID {
		return nil
	}
	log.WithFields(logrus.Fields{
		"child": child.masterID, "parent": parent.masterID, "relationship": relName,
	}).Debug("adding relationship")
	return r.s.master.AddRelationship(ctx, child.masterID, parent.masterID, rel, r.source, r.opts.Comment)
}
