// Package foundation connects University of Illinois Foundation (FACTS)
// data with the entity master: it annotates FACTS extracts with master ids,
// loads curated matches and corporate hierarchies, and loads gift detail.
package foundation

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

type Service struct {
	conn   *oria.Conn
	master *master.Service
	gifts  giftCaches
}

func NewService(conn *oria.Conn) *Service {
	return &Service{
		conn:   conn,
		master: master.NewService(conn),
		gifts:  newGiftCaches(),
	}
}

func referenceNames(refs []master.Reference) string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return strings.Join(names, ", ")
}

// resolve turns scheme and source names into ids. An unknown name is
// reported together with the names that are supported.
func (s *Service) resolve(ctx context.Context, scheme, source string) (schemeID, sourceID int64, err error) {
	schemeID, err = s.master.SchemeID(ctx, scheme)
	if errors.Is(err, master.ErrSchemeNonExistent) {
		refs, lErr := s.master.SupportedSchemes(ctx)
		if lErr != nil {
			return 0, 0, errors.Join(err, lErr)
		}
		return 0, 0, errors.Wrapf(err, "supported schemes: %s", referenceNames(refs))
	}
	if err != nil {
		return 0, 0, err
	}

	sourceID, err = s.master.DataSourceID(ctx, source)
	if errors.Is(err, master.ErrDataSourceNonExistent) {
		refs, lErr := s.master.SupportedDataSources(ctx)
		if lErr != nil {
			return 0, 0, errors.Join(err, lErr)
		}
		return 0, 0, errors.Wrapf(err, "supported data sources: %s", referenceNames(refs))
	}
	if err != nil {
		return 0, 0, err
	}
	return schemeID, sourceID, nil
}
