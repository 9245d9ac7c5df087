// Package spriden loads the Banner SPRIDEN identity table, normalizes it
// into one row per PIDM with its name variants, and masters the non-person
// entities into the external organization master.
package spriden

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

const (
	// Columns in a SPRIDEN dump row.
	Columns = 25

	oracleDate    = "02-Jan-06"
	progressEvery = 100000

	colPIDM         = 0
	colActivityDate = 7
	colCreateDate   = 17
	colSurrogateID  = 21
	colVersion      = 22
)

var rawColumns = []string{
	"spriden_pidm", "spriden_id", "spriden_last_name", "spriden_first_name",
	"spriden_mi", "spriden_change_ind", "spriden_entity_ind",
	"spriden_activity_date", "spriden_user", "spriden_origin",
	"spriden_search_last_name", "spriden_search_first_name",
	"spriden_search_mi", "spriden_soundex_last_name",
	"spriden_soundex_first_name", "spriden_ntyp_code", "spriden_create_user",
	"spriden_create_date", "spriden_data_origin", "spriden_create_fdmn_code",
	"spriden_surname_prefix", "spriden_surrogate_id", "spriden_version",
	"spriden_user_id", "spriden_vpdi_code",
}

var insertRaw = "INSERT INTO spriden_raw (" + strings.Join(rawColumns, ", ") + ") VALUES (" +
	strings.TrimSuffix(strings.Repeat("?, ", Columns), ", ") + ")"

type Service struct {
	conn   *oria.Conn
	master *master.Service
}

func NewService(conn *oria.Conn) *Service {
	return &Service{conn: conn, master: master.NewService(conn)}
}

// Load copies a SPRIDEN dump into spriden_raw. Blank rows and SQL*Plus
// prompt rows are skipped. The load runs in one transaction, so a malformed
// row leaves nothing behind.
func (s *Service) Load(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "spriden_load")
	tally := metrics.NewTally("spriden_load")

	err := s.conn.InTx(ctx, func(ctx context.Context) error {
		for {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") ||
				strings.HasPrefix(row[0], "SQL>") {
				continue
			}
			tally.Read()
			line := rows.Line()
			if line%progressEvery == 0 {
				log.WithField("line", line).Info("loading")
			}

			args, err := rawArgs(line, row)
			if err != nil {
				tally.Failed()
				return err
			}
			if _, err := s.conn.Write(ctx, insertRaw, args...); err != nil {
				tally.Failed()
				return errors.Wrapf(err, "line %d", line)
			}
			tally.Written()
		}
	})
	log.WithFields(logrus.Fields{"read": tally.Counts().Read, "written": tally.Counts().Written}).Info("spriden dump loaded")
	return tally.Counts(), err
}

func rawArgs(line int, row []string) ([]any, error) {
	if len(row) != Columns {
		return nil, tabular.Invalidf(line, "has %d columns, want %d", len(row), Columns)
	}
	args := make([]any, Columns)
	for i, v := range row {
		args[i] = v
	}

	pidm, err := strconv.ParseInt(strings.TrimSpace(row[colPIDM]), 10, 64)
	if err != nil {
		return nil, tabular.Invalidf(line, "bad PIDM %q", row[colPIDM])
	}
	args[colPIDM] = pidm

	for _, col := range []int{colActivityDate, colCreateDate} {
		d, err := parseOracleDate(row[col])
		if err != nil {
			return nil, tabular.Invalidf(line, "column %d: %v", col+1, err)
		}
		args[col] = oria.Date(d)
	}
	for _, col := range []int{colSurrogateID, colVersion} {
		v := strings.TrimSpace(row[col])
		if v == "" {
			args[col] = nil
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, tabular.Invalidf(line, "column %d: bad number %q", col+1, v)
		}
		args[col] = n
	}
	return args, nil
}

// parseOracleDate reads the dd-Mon-yy dates SQL*Plus prints by default.
func parseOracleDate(s string) (time.Time, error) {
	return textnorm.ParseDate(s, oracleDate)
}
