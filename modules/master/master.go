// Package master maintains the external organization entity master: the
// organizations themselves and the aliases, identifiers in other schemes,
// postcodes, addresses and relationships asserted about them.
//
// Assertions are never deleted. Removing one sets its valid_end, and at most
// one assertion per natural key is active (valid_end IS NULL) at a time.
// Every operation takes integer ids; the lookups in lookup.go turn names
// into ids.
package master

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

const (
	// Wildcard in place of an alias or other id matches every active one.
	Wildcard = "*"
	// AnyID in place of a postcode, organization or relationship type id
	// matches every active one.
	AnyID int64 = 0

	DefaultLang = "en"
)

var (
	ErrNonExistentEntity       = errors.New("non-existent entity")
	ErrDataSourceNonExistent   = errors.New("data source does not exist")
	ErrSchemeNonExistent       = errors.New("other id scheme does not exist")
	ErrRelationshipNonExistent = errors.New("relationship type does not exist")
)

// EntityError reports a write that referenced a missing organization,
// source, scheme, postcode or relationship type.
type EntityError struct {
	Op  string
	Err error
}

func (e *EntityError) Error() string {
	return e.Op + ": " + ErrNonExistentEntity.Error() + ": " + e.Err.Error()
}

func (e *EntityError) Unwrap() error { return e.Err }

func (e *EntityError) Is(target error) bool { return target == ErrNonExistentEntity }

// Kinds flags the nature of an organization.
type Kinds struct {
	Edu bool
	Biz bool
	Org bool
	Gov bool
}

type ExternalOrg struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	Educational   bool           `db:"educational"`
	Business      bool           `db:"business"`
	Nonprofit     bool           `db:"nonprofit"`
	Government    bool           `db:"government"`
	Source        int64          `db:"source"`
	SourceComment sql.NullString `db:"source_comment"`
	ValidStart    time.Time      `db:"valid_start"`
	ValidEnd      sql.NullTime   `db:"valid_end"`
}

func (o ExternalOrg) Active() bool { return !o.ValidEnd.Valid }

// Service reads and writes the entity master through one connection.
type Service struct {
	conn    *oria.Conn
	sources *oria.KeyCache[string]
	schemes *oria.KeyCache[string]
	rels    *oria.KeyCache[string]
}

func NewService(conn *oria.Conn) *Service {
	return &Service{
		conn:    conn,
		sources: oria.NewKeyCache[string]("master_data_source"),
		schemes: oria.NewKeyCache[string]("master_other_id_scheme"),
		rels:    oria.NewKeyCache[string]("master_org_relationship_type"),
	}
}

func (s *Service) Conn() *oria.Conn { return s.conn }

func (s *Service) write(ctx context.Context, op, stmt string, args ...any) (int64, error) {
	n, err := s.conn.Write(ctx, stmt, args...)
	if err != nil {
		if errors.Is(err, oria.ErrIntegrity) {
			return 0, &EntityError{Op: op, Err: err}
		}
		return 0, errors.Wrap(err, op)
	}
	return n, nil
}

// AddExternalOrg creates an organization and returns its id.
func (s *Service) AddExternalOrg(ctx context.Context, name string, source int64, comment string, kinds Kinds) (int64, error) {
	id, _, err := s.conn.InsertID(ctx,
		`INSERT INTO master_external_org
			(name, educational, business, nonprofit, government, source, source_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		name, kinds.Edu, kinds.Biz, kinds.Org, kinds.Gov, source, oria.Null(comment))
	if err != nil {
		if errors.Is(err, oria.ErrIntegrity) {
			return 0, &EntityError{Op: "add external org", Err: err}
		}
		return 0, errors.Wrap(err, "add external org")
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{"org": id, "name": name}).Debug("external org added")
	return id, nil
}

// AddAlias asserts alias on org. An alias already active in that language is
// left alone; an expired one is asserted again.
func (s *Service) AddAlias(ctx context.Context, org int64, alias string, source int64, lang, comment string) error {
	if lang == "" {
		lang = DefaultLang
	}
	_, err := s.write(ctx, "add alias",
		`INSERT INTO master_external_org_alias (external_org, alias, lang, source, source_comment)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		org, alias, lang, source, oria.Null(comment))
	return err
}

// AddOtherID asserts that org is known as otherID in scheme.
func (s *Service) AddOtherID(ctx context.Context, org int64, otherID string, scheme, source int64, comment string) error {
	_, err := s.write(ctx, "add other id",
		`INSERT INTO master_external_org_other_id (master_id, other_id, scheme, source, source_comment)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		org, otherID, scheme, source, oria.Null(comment))
	return err
}

// AddPostcode associates org with a postcode row (the id, not the code).
func (s *Service) AddPostcode(ctx context.Context, org, postcode, source int64, comment string) error {
	_, err := s.write(ctx, "add postcode",
		`INSERT INTO master_external_org_postcode (external_org, postcode, source, source_comment)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		org, postcode, source, oria.Null(comment))
	return err
}

// AddAddress associates org with an address row.
func (s *Service) AddAddress(ctx context.Context, org, address, source int64, comment string) error {
	_, err := s.write(ctx, "add address",
		`INSERT INTO master_external_org_address (external_org, address, source, source_comment)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		org, address, source, oria.Null(comment))
	return err
}

// AddRelationship asserts that org1 stands in relationship rel to org2, for
// example org1 is a subsidiary of org2. Order matters.
func (s *Service) AddRelationship(ctx context.Context, org1, org2, rel, source int64, comment string) error {
	if org1 == org2 {
		return errors.Errorf("add relationship: organization %d cannot relate to itself", org1)
	}
	_, err := s.write(ctx, "add relationship",
		`INSERT INTO master_rel_external_external (ext1, ext2, rel, source, source_comment)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		org1, org2, rel, source, oria.Null(comment))
	return err
}

// expire ends every active row of table matching where. The comment is
// replaced only when one is given.
func (s *Service) expire(ctx context.Context, op, table, where string, source int64, comment string, args ...any) (int64, error) {
	stmt := "UPDATE " + table + " SET valid_end = CURRENT_TIMESTAMP, source = ?"
	params := []any{source}
	if comment != "" {
		stmt += ", source_comment = ?"
		params = append(params, comment)
	}
	stmt += " WHERE " + where + " AND valid_end IS NULL"
	n, err := s.write(ctx, op, stmt, append(params, args...)...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.FromContext(ctx).WithFields(logrus.Fields{"table": table, "rows": n}).Debug("assertions expired")
	}
	return n, nil
}

// DelAlias expires alias (or every alias, given Wildcard) of org in lang.
// Wildcard also ignores the language.
func (s *Service) DelAlias(ctx context.Context, org int64, alias string, source int64, lang, comment string) error {
	if alias == Wildcard {
		_, err := s.expire(ctx, "delete alias", "master_external_org_alias", "external_org = ?", source, comment, org)
		return err
	}
	if lang == "" {
		lang = DefaultLang
	}
	_, err := s.expire(ctx, "delete alias", "master_external_org_alias",
		"external_org = ? AND alias = ? AND lang = ?", source, comment, org, alias, lang)
	return err
}

// DelOtherID expires otherID (or every id, given Wildcard) in scheme. With
// Wildcard, AnyID for scheme covers every scheme.
func (s *Service) DelOtherID(ctx context.Context, org int64, otherID string, scheme, source int64, comment string) error {
	where, args := "master_id = ?", []any{org}
	if otherID != Wildcard {
		where += " AND other_id = ?"
		args = append(args, otherID)
	}
	if scheme != AnyID {
		where += " AND scheme = ?"
		args = append(args, scheme)
	}
	_, err := s.expire(ctx, "delete other id", "master_external_org_other_id", where, source, comment, args...)
	return err
}

// DelPostcode expires one postcode association of org, or all of them for
// AnyID.
func (s *Service) DelPostcode(ctx context.Context, org, postcode, source int64, comment string) error {
	where, args := "external_org = ?", []any{org}
	if postcode != AnyID {
		where += " AND postcode = ?"
		args = append(args, postcode)
	}
	_, err := s.expire(ctx, "delete postcode", "master_external_org_postcode", where, source, comment, args...)
	return err
}

// DelAddress expires one address association of org, or all of them for
// AnyID.
func (s *Service) DelAddress(ctx context.Context, org, address, source int64, comment string) error {
	where, args := "external_org = ?", []any{org}
	if address != AnyID {
		where += " AND address = ?"
		args = append(args, address)
	}
	_, err := s.expire(ctx, "delete address", "master_external_org_address", where, source, comment, args...)
	return err
}

// DelRelationship expires the rel relationship from org1 to org2. AnyID for
// org2 matches every relationship with org1 on either end; AnyID for rel
// matches every relationship type.
func (s *Service) DelRelationship(ctx context.Context, org1, org2, rel, source int64, comment string) error {
	var where string
	var args []any
	if org2 == AnyID {
		where, args = "(ext1 = ? OR ext2 = ?)", []any{org1, org1}
	} else {
		where, args = "ext1 = ? AND ext2 = ?", []any{org1, org2}
	}
	if rel != AnyID {
		where += " AND rel = ?"
		args = append(args, rel)
	}
	_, err := s.expire(ctx, "delete relationship", "master_rel_external_external", where, source, comment, args...)
	return err
}

// DelExternalOrg expires org and every active assertion about it. A missing
// or already expired org is a no-op.
func (s *Service) DelExternalOrg(ctx context.Context, org, source int64, comment string) error {
	return s.conn.InTx(ctx, func(ctx context.Context) error {
		if err := s.DelOtherID(ctx, org, Wildcard, AnyID, source, comment); err != nil {
			return err
		}
		if err := s.DelPostcode(ctx, org, AnyID, source, comment); err != nil {
			return err
		}
		if err := s.DelAddress(ctx, org, AnyID, source, comment); err != nil {
			return err
		}
		if err := s.DelRelationship(ctx, org, AnyID, AnyID, source, comment); err != nil {
			return err
		}
		if err := s.DelAlias(ctx, org, Wildcard, source, "", comment); err != nil {
			return err
		}
		_, err := s.expire(ctx, "delete external org", "master_external_org", "id = ?", source, comment, org)
		return err
	})
}

var mergeStatements = []struct {
	op   string
	stmt string
}{
	{"merge aliases", `INSERT INTO master_external_org_alias (external_org, alias, lang, source, source_comment)
		SELECT ?, alias, lang, source, source_comment FROM master_external_org_alias
		WHERE external_org = ? AND valid_end IS NULL ON CONFLICT DO NOTHING`},
	{"merge other ids", `INSERT INTO master_external_org_other_id (master_id, other_id, scheme, source, source_comment)
		SELECT ?, other_id, scheme, source, source_comment FROM master_external_org_other_id
		WHERE master_id = ? AND valid_end IS NULL ON CONFLICT DO NOTHING`},
	{"merge postcodes", `INSERT INTO master_external_org_postcode (external_org, postcode, source, source_comment)
		SELECT ?, postcode, source, source_comment FROM master_external_org_postcode
		WHERE external_org = ? AND valid_end IS NULL ON CONFLICT DO NOTHING`},
	{"merge addresses", `INSERT INTO master_external_org_address (external_org, address, source, source_comment)
		SELECT ?, address, source, source_comment FROM master_external_org_address
		WHERE external_org = ? AND valid_end IS NULL ON CONFLICT DO NOTHING`},
}

// MergeExternalOrg copies every active assertion about lose onto keep, with
// its original source and comment, then expires lose. Relationships between
// the two are not carried over. source and comment attribute the expiry.
func (s *Service) MergeExternalOrg(ctx context.Context, keep, lose, source int64, comment string) error {
	if keep == lose {
		return errors.Errorf("merge external org: cannot merge %d into itself", keep)
	}
	return s.conn.InTx(ctx, func(ctx context.Context) error {
		for _, id := range []int64{keep, lose} {
			org, found, err := s.ExternalOrg(ctx, id)
			if err != nil {
				return err
			}
			if !found || !org.Active() {
				return &EntityError{Op: "merge external org", Err: errors.Errorf("no active external organization with id %d", id)}
			}
		}
		for _, m := range mergeStatements {
			if _, err := s.write(ctx, m.op, m.stmt, keep, lose); err != nil {
				return err
			}
		}
		if _, err := s.write(ctx, "merge relationships",
			`INSERT INTO master_rel_external_external (ext1, ext2, rel, source, source_comment)
			SELECT ?, ext2, rel, source, source_comment FROM master_rel_external_external
			WHERE ext1 = ? AND ext2 <> ? AND valid_end IS NULL ON CONFLICT DO NOTHING`,
			keep, lose, keep); err != nil {
			return err
		}
		if _, err := s.write(ctx, "merge relationships",
			`INSERT INTO master_rel_external_external (ext1, ext2, rel, source, source_comment)
			SELECT ext1, ?, rel, source, source_comment FROM master_rel_external_external
			WHERE ext2 = ? AND ext1 <> ? AND valid_end IS NULL ON CONFLICT DO NOTHING`,
			keep, lose, keep); err != nil {
			return err
		}
		logging.FromContext(ctx).WithFields(logrus.Fields{"keep": keep, "lose": lose}).Info("external orgs merged")
		return s.DelExternalOrg(ctx, lose, source, comment)
	})
}

// RenameExternalOrg gives org a new name. When aliasOld is set the old name
// becomes an alias in oldLang, attributed to source and comment.
func (s *Service) RenameExternalOrg(ctx context.Context, org int64, newName string, source int64, comment string, aliasOld bool, oldLang string) error {
	return s.conn.InTx(ctx, func(ctx context.Context) error {
		var oldName string
		found, err := s.conn.Read(ctx, &oldName, "SELECT name FROM master_external_org WHERE id = ?", org)
		if err != nil {
			return err
		}
		if !found {
			return &EntityError{Op: "rename external org", Err: errors.Errorf("no external organization with id %d", org)}
		}
		if oldName == newName {
			return nil
		}
		if _, err := s.write(ctx, "rename external org",
			"UPDATE master_external_org SET name = ? WHERE id = ?", newName, org); err != nil {
			return err
		}
		if aliasOld {
			return s.AddAlias(ctx, org, oldName, source, oldLang, comment)
		}
		return nil
	})
}
