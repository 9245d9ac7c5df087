package master

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

// Seeded reference names.
const (
	SourceBanner   = "banner"
	SourceIPEDS    = "ipeds"
	SourceNSF      = "nsf"
	SourceFACTS    = "facts"
	SourceManual   = "manual"
	SourceGeocoder = "google geocoding"
	SourceDistrict = "congressional district api"

	SchemePIDM   = "PIDM"
	SchemeEDW    = "EDW"
	SchemeBanner = "Banner"
	SchemeFACTS  = "FACTS"
	SchemeIPEDS  = "IPEDS"
	SchemeOPE    = "OPE"

	RelSubsidiary = "subsidiary"
	RelFoundation = "foundation"
	RelBranch     = "branch"
)

// Reference is a row of one of the small lookup tables.
type Reference struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	Description *string `db:"description"`
}

func (s *Service) lookup(ctx context.Context, table, name string, cache *oria.KeyCache[string], missing error) (int64, error) {
	id, found, err := oria.FetchID(ctx, s.conn, table, "name", name, cache)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Wrapf(missing, "%q", name)
	}
	return id, nil
}

// DataSourceID resolves a data source name.
func (s *Service) DataSourceID(ctx context.Context, name string) (int64, error) {
	return s.lookup(ctx, "master_data_source", name, s.sources, ErrDataSourceNonExistent)
}

// SchemeID resolves an other id scheme name.
func (s *Service) SchemeID(ctx context.Context, name string) (int64, error) {
	return s.lookup(ctx, "master_other_id_scheme", name, s.schemes, ErrSchemeNonExistent)
}

// RelationshipTypeID resolves a relationship type name.
func (s *Service) RelationshipTypeID(ctx context.Context, name string) (int64, error) {
	return s.lookup(ctx, "master_org_relationship_type", name, s.rels, ErrRelationshipNonExistent)
}

func (s *Service) references(ctx context.Context, table string) ([]Reference, error) {
	var out []Reference
	if err := s.conn.Select(ctx, &out, "SELECT id, name, description FROM "+table+" ORDER BY id"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SupportedDataSources(ctx context.Context) ([]Reference, error) {
	return s.references(ctx, "master_data_source")
}

func (s *Service) SupportedSchemes(ctx context.Context) ([]Reference, error) {
	return s.references(ctx, "master_other_id_scheme")
}

func (s *Service) SupportedRelationshipTypes(ctx context.Context) ([]Reference, error) {
	return s.references(ctx, "master_org_relationship_type")
}

// MasterIDForOtherID finds the organization currently known as otherID in
// scheme.
func (s *Service) MasterIDForOtherID(ctx context.Context, otherID string, scheme int64) (int64, bool, error) {
	var id int64
	found, err := s.conn.Read(ctx, &id,
		`SELECT master_id FROM master_external_org_other_id
		WHERE other_id = ? AND scheme = ? AND valid_end IS NULL
		ORDER BY master_id LIMIT 1`,
		otherID, scheme)
	return id, found, err
}

// OtherIDs lists the active ids of org in scheme, or in every scheme for
// AnyID.
func (s *Service) OtherIDs(ctx context.Context, org, scheme int64) ([]string, error) {
	stmt := "SELECT other_id FROM master_external_org_other_id WHERE master_id = ? AND valid_end IS NULL"
	args := []any{org}
	if scheme != AnyID {
		stmt += " AND scheme = ?"
		args = append(args, scheme)
	}
	var out []string
	if err := s.conn.Select(ctx, &out, stmt+" ORDER BY other_id", args...); err != nil {
		return nil, err
	}
	return out, nil
}

// Aliases lists the active aliases of org.
func (s *Service) Aliases(ctx context.Context, org int64) ([]string, error) {
	var out []string
	err := s.conn.Select(ctx, &out,
		`SELECT alias FROM master_external_org_alias
		WHERE external_org = ? AND valid_end IS NULL ORDER BY alias`, org)
	return out, err
}

// ExternalOrg reads one organization, active or not.
func (s *Service) ExternalOrg(ctx context.Context, id int64) (ExternalOrg, bool, error) {
	var org ExternalOrg
	found, err := s.conn.Read(ctx, &org,
		`SELECT id, name, educational, business, nonprofit, government,
			source, source_comment, valid_start, valid_end
		FROM master_external_org WHERE id = ?`, id)
	return org, found, err
}

// FindByName returns the active organizations whose name or an active alias
// equals name, ignoring case.
func (s *Service) FindByName(ctx context.Context, name string) ([]int64, error) {
	var ids []int64
	err := s.conn.Select(ctx, &ids,
		`SELECT DISTINCT o.id FROM master_external_org o
		LEFT JOIN master_external_org_alias a
			ON a.external_org = o.id AND a.valid_end IS NULL
		WHERE o.valid_end IS NULL AND (UPPER(o.name) = UPPER(?) OR UPPER(a.alias) = UPPER(?))
		ORDER BY o.id`, name, name)
	return ids, err
}
