package starmetrics

import (
	"context"
	"encoding/csv"
	"io"
	"regexp"
	"slices"
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
)

// GeocodeHeader is the header of the vendor detail report.
var GeocodeHeader = []string{
	"PeriodStartDate", "PeriodEndDate", "VendorPIDM", "CFDACode", "SponsorID", "FundTypeCode",
	"GrantTitle", "RecipientAccountNumber", "VendorAddress1", "VendorAddress2", "VendorCity",
	"VendorState", "VendorNation", "VendorZIP", "VendorPaymentAmount",
}

const (
	vendorSourceComment = "STAR METRICS vendor detail report"
	geocodeComment      = "starmetrics geocode"
	// DefaultDistrictMaxAge is how long a congressional district lookup
	// is trusted.
	DefaultDistrictMaxAge = 365 * 24 * time.Hour
)

var zipPlusRE = regexp.MustCompile(`^([0-9]{5})-[0-9]{4}`)

// geocoded is what one run learned about an address string.
type geocoded struct {
	addressID int64
	lat, lon  *float64
	country   string
	district  *District
	orgs      []int64
}

func (g *geocoded) cells() []string {
	cells := make([]string, 4)
	if g.lat != nil && g.lon != nil {
		cells[0] = strconv.FormatFloat(*g.lat, 'f', -1, 64)
		cells[1] = strconv.FormatFloat(*g.lon, 'f', -1, 64)
	}
	if g.district != nil {
		cells[2] = g.district.State
		cells[3] = strconv.Itoa(g.district.Number)
	}
	return cells
}

// Geocoding adds locations and congressional districts to vendor detail
// reports, remembering them in the address tables.
type Geocoding struct {
	conn      *oria.Conn
	master    *master.Service
	geocoder  Geocoder
	districts DistrictLocator
	// MaxDistrictAge is how old a stored district may be before it is
	// looked up again.
	MaxDistrictAge time.Duration

	pidms     map[string]*int64
	addresses map[string]*geocoded
	countries *oria.KeyCache[string]
	states    *oria.KeyCache[string]
	zips      *oria.KeyCache[string]
	cds       *oria.KeyCache[District]
}

func NewGeocoding(m *master.Service, geocoder Geocoder, districts DistrictLocator) *Geocoding {
	return &Geocoding{
		conn:           m.Conn(),
		master:         m,
		geocoder:       geocoder,
		districts:      districts,
		MaxDistrictAge: DefaultDistrictMaxAge,
		pidms:          make(map[string]*int64),
		addresses:      make(map[string]*geocoded),
		countries:      oria.NewKeyCache[string]("country"),
		states:         oria.NewKeyCache[string]("country_div_1"),
		zips:           oria.NewKeyCache[string]("postcode"),
		cds:            oria.NewKeyCache[District]("congressional_district"),
	}
}

// AddressString joins the address parts the way the address table keys
// them: "street1, street2, city, state zip nation".
func AddressString(street1, street2, city, state, postcode, nation string) string {
	var b strings.Builder
	b.WriteString(street1)
	if street1 != "" && (street2 != "" || city != "" || state != "") {
		b.WriteString(", ")
	}
	b.WriteString(street2)
	if street2 != "" && (city != "" || state != "") {
		b.WriteString(", ")
	}
	b.WriteString(city)
	if city != "" && state != "" {
		b.WriteString(", ")
	}
	b.WriteString(state)
	if postcode != "" {
		b.WriteString(" ")
	}
	b.WriteString(postcode)
	if nation != "" {
		b.WriteString(" ")
	}
	b.WriteString(nation)
	return b.String()
}

type ids struct {
	pidmScheme, banner, geocoder, district int64
}

// Geocode copies a vendor detail report, appending Latitude, Longitude,
// CDState and CDNumber. Each address is looked up in this run's cache,
// then in the address table, then with the geocoder; US addresses get a
// congressional district. Vendors known by PIDM are linked to their
// addresses. A row that cannot be geocoded is written with empty cells.
func (g *Geocoding) Geocode(ctx context.Context, in tabular.Rows, out io.Writer) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "geocode_vendors")
	tally := metrics.NewTally("geocode_vendors")

	var refs ids
	var err error
	if refs.pidmScheme, err = g.master.SchemeID(ctx, master.SchemePIDM); err != nil {
		return tally.Counts(), err
	}
	if refs.banner, err = g.master.DataSourceID(ctx, master.SourceBanner); err != nil {
		return tally.Counts(), err
	}
	if refs.geocoder, err = g.master.DataSourceID(ctx, master.SourceGeocoder); err != nil {
		return tally.Counts(), err
	}
	if refs.district, err = g.master.DataSourceID(ctx, master.SourceDistrict); err != nil {
		return tally.Counts(), err
	}

	header, err := tabular.ReadHeader(in)
	if err != nil {
		return tally.Counts(), err
	}
	if !tabular.EqualHeader(header, GeocodeHeader) {
		return tally.Counts(), errors.Wrapf(tabular.ErrInvalidInput,
			"header must be %s", strings.Join(GeocodeHeader, ", "))
	}
	w := csv.NewWriter(out)
	if err := w.Write(append(header, "Latitude", "Longitude", "CDState", "CDNumber")); err != nil {
		return tally.Counts(), errors.Wrap(err, "write header")
	}

	log.Info("geocoding vendor addresses")
	for {
		row, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Counts(), err
		}
		tally.Read()
		if len(row) != len(GeocodeHeader) {
			tally.Failed()
			return tally.Counts(), tabular.Invalidf(in.Line(), "has %d columns, want %d", len(row), len(GeocodeHeader))
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		rowLog := log.WithField("line", in.Line())

		var cells []string
		if err := g.conn.InTx(ctx, func(ctx context.Context) error {
			geo, err := g.row(ctx, rowLog, refs, row)
			if err != nil {
				return err
			}
			cells = geo.cells()
			return nil
		}); err != nil {
			rowLog.WithError(err).Error("could not geocode vendor")
			// districts created in the rolled back transaction are gone
			g.cds = oria.NewKeyCache[District]("congressional_district")
			tally.Failed()
			cells = make([]string, 4)
		} else {
			tally.Written()
		}
		if err := w.Write(append(row, cells...)); err != nil {
			return tally.Counts(), errors.Wrap(err, "write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return tally.Counts(), errors.Wrap(err, "flush")
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}

func (g *Geocoding) orgForPIDM(ctx context.Context, pidm string, scheme int64) (*int64, error) {
	if org, ok := g.pidms[pidm]; ok {
		return org, nil
	}
	var org *int64
	if pidm != "" {
		id, found, err := g.master.MasterIDForOtherID(ctx, pidm, scheme)
		if err != nil {
			return nil, err
		}
		if found {
			org = &id
		}
	}
	g.pidms[pidm] = org
	return org, nil
}

type storedAddress struct {
	ID        int64    `db:"id"`
	Country   *string  `db:"country"`
	State     *string  `db:"state"`
	Latitude  *float64 `db:"latitude"`
	Longitude *float64 `db:"longitude"`
}

func (g *Geocoding) row(ctx context.Context, log *logrus.Entry, refs ids, row []string) (*geocoded, error) {
	org, err := g.orgForPIDM(ctx, row[2], refs.pidmScheme)
	if err != nil {
		return nil, err
	}
	if org == nil {
		log.WithField("pidm", row[2]).Warn("no organization for vendor PIDM")
	}
	addr := AddressString(row[8], row[9], row[10], row[11], row[13], row[12])
	log = log.WithField("address", addr)

	if geo, ok := g.addresses[addr]; ok {
		if org != nil && geo.addressID != 0 && !slices.Contains(geo.orgs, *org) {
			if err := g.master.AddAddress(ctx, *org, geo.addressID, refs.banner, vendorSourceComment); err != nil {
				return nil, err
			}
			geo.orgs = append(geo.orgs, *org)
		}
		return geo, nil
	}

	geo := &geocoded{}
	var stored storedAddress
	found, err := g.conn.Read(ctx, &stored,
		`SELECT a.id, c.iso3166 AS country, sp.code AS state, a.latitude, a.longitude
		FROM address a
		LEFT JOIN country c ON c.id = a.nation_ref
		LEFT JOIN country_div_1 sp ON sp.id = a.state_province_ref
		WHERE a.addr_string = ? AND a.valid_end IS NULL`, addr)
	if err != nil {
		return nil, err
	}
	var state string
	if found {
		geo.addressID, geo.lat, geo.lon = stored.ID, stored.Latitude, stored.Longitude
		if stored.Country != nil {
			geo.country = *stored.Country
		}
		if stored.State != nil {
			state = *stored.State
		}
	}

	if geo.lat == nil || geo.lon == nil {
		log.Info("geocoding")
		loc, err := g.geocoder.Geocode(ctx, addr)
		if err != nil {
			return nil, err
		}
		if loc == nil {
			log.Warn("unable to find location for address")
		} else {
			geo.lat, geo.lon, geo.country, state = &loc.Latitude, &loc.Longitude, loc.Country, loc.State
			if err := g.store(ctx, refs, geo, loc, row); err != nil {
				return nil, err
			}
		}
	}

	if org != nil && geo.addressID != 0 {
		if err := g.master.AddAddress(ctx, *org, geo.addressID, refs.banner, vendorSourceComment); err != nil {
			return nil, err
		}
		geo.orgs = append(geo.orgs, *org)
	}

	if geo.country == "US" && geo.lat != nil && geo.lon != nil && geo.addressID != 0 {
		if geo.district, err = g.district(ctx, log, refs, geo); err != nil {
			return nil, err
		}
		if geo.district != nil && state != "" && geo.district.State != state {
			log.WithFields(logrus.Fields{
				"address_id": geo.addressID, "state": state,
				"district": geo.district.State + "-" + strconv.Itoa(geo.district.Number),
			}).Warn("possible state mismatch")
		}
	}

	g.addresses[addr] = geo
	return geo, nil
}

// resolve finds the reference ids for the country, state and postcode of
// loc. Unknown ones are nil.
func (g *Geocoding) resolve(ctx context.Context, loc *Location) (country, state, postcode any, err error) {
	if loc.Country == "" {
		return nil, nil, nil, nil
	}
	countryID, found, err := oria.FetchID(ctx, g.conn, "country", "iso3166", loc.Country, g.countries)
	if err != nil || !found {
		return nil, nil, nil, err
	}
	country = countryID

	if loc.State != "" {
		if id, err := g.stateID(ctx, countryID, loc.State); err != nil {
			return nil, nil, nil, err
		} else if id != 0 {
			state = id
		}
	}

	zip := loc.Postcode
	if loc.Country == "US" {
		if m := zipPlusRE.FindStringSubmatch(zip); m != nil {
			zip = m[1]
		}
	}
	if zip != "" {
		key := loc.Country + ":" + zip
		if id, ok := g.zips.Get(key); ok {
			return country, state, id, nil
		}
		var id int64
		ok, err := g.conn.Read(ctx, &id,
			`SELECT p.id FROM postcode p JOIN country_div_1 s ON s.id = p.div_1
			WHERE p.postcode = ? AND s.country = ? ORDER BY p.id`, zip, countryID)
		if err != nil {
			return nil, nil, nil, err
		}
		if ok {
			g.zips.Set(key, id)
			postcode = id
		}
	}
	return country, state, postcode, nil
}

func (g *Geocoding) stateID(ctx context.Context, country int64, code string) (int64, error) {
	key := strconv.FormatInt(country, 10) + ":" + code
	if id, ok := g.states.Get(key); ok {
		return id, nil
	}
	var id int64
	found, err := g.conn.Read(ctx, &id, `SELECT id FROM country_div_1 WHERE country = ? AND code = ?`, country, code)
	if err != nil {
		return 0, err
	}
	if found {
		g.states.Set(key, id)
	}
	return id, nil
}

func (g *Geocoding) store(ctx context.Context, refs ids, geo *geocoded, loc *Location, row []string) error {
	country, state, postcode, err := g.resolve(ctx, loc)
	if err != nil {
		return err
	}
	if geo.addressID != 0 {
		_, err := g.conn.Write(ctx,
			`UPDATE address SET addr_string_norm = ?, state_province_ref = ?, postcode_ref = ?, nation_ref = ?,
				latitude = ?, longitude = ?, source = ?, source_comment = ?
			WHERE id = ?`,
			oria.Null(loc.Formatted), state, postcode, country, loc.Latitude, loc.Longitude,
			refs.geocoder, geocodeComment, geo.addressID)
		return err
	}
	addr := AddressString(row[8], row[9], row[10], row[11], row[13], row[12])
	id, _, err := g.conn.InsertID(ctx,
		`INSERT INTO address (street1, street2, city, state_province, postcode, nation,
			addr_string, addr_string_norm, state_province_ref, postcode_ref, nation_ref,
			latitude, longitude, source, source_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		oria.Null(row[8]), oria.Null(row[9]), oria.Null(row[10]), oria.Null(row[11]), oria.Null(row[13]), oria.Null(row[12]),
		addr, oria.Null(loc.Formatted), state, postcode, country,
		loc.Latitude, loc.Longitude, refs.geocoder, geocodeComment)
	if err != nil {
		return err
	}
	geo.addressID = id
	return nil
}

type storedDistrict struct {
	State  string `db:"code"`
	Number int    `db:"district_number"`
}

// district returns the congressional district of a US address, reusing a
// stored one younger than MaxDistrictAge.
func (g *Geocoding) district(ctx context.Context, log *logrus.Entry, refs ids, geo *geocoded) (*District, error) {
	var stored storedDistrict
	found, err := g.conn.Read(ctx, &stored,
		`SELECT st.code, cd.district_number
		FROM address_congressional_district acd
		JOIN congressional_district cd ON cd.id = acd.congressional_district
		JOIN country_div_1 st ON st.id = cd.state
		WHERE acd.address = ? AND acd.valid_end IS NULL AND acd.valid_start >= ?
		ORDER BY acd.valid_start DESC`,
		geo.addressID, oria.Timestamp(time.Now().Add(-g.MaxDistrictAge)))
	if err != nil {
		return nil, err
	}
	if found {
		return &District{State: stored.State, Number: stored.Number}, nil
	}

	log.Info("locating congressional district")
	d, err := g.districts.Locate(ctx, *geo.lat, *geo.lon)
	if err != nil || d == nil {
		return nil, err
	}

	cd, ok := g.cds.Get(*d)
	if !ok {
		us, found, err := oria.FetchID(ctx, g.conn, "country", "iso3166", "US", g.countries)
		if err != nil {
			return nil, err
		}
		if !found {
			return d, nil
		}
		st, err := g.stateID(ctx, us, d.State)
		if err != nil {
			return nil, err
		}
		if st == 0 {
			log.WithField("state", d.State).Warn("unknown congressional district state")
			return d, nil
		}
		if ok, err = g.conn.Read(ctx, &cd,
			`SELECT id FROM congressional_district WHERE state = ? AND district_number = ? AND valid_end IS NULL`,
			st, d.Number); err != nil {
			return nil, err
		}
		if !ok {
			if cd, _, err = g.conn.InsertID(ctx,
				`INSERT INTO congressional_district (state, district_number, source, source_comment)
				VALUES (?, ?, ?, ?) RETURNING id`,
				st, d.Number, refs.district, geocodeComment); err != nil {
				return nil, err
			}
		}
		g.cds.Set(*d, cd)
	}

	// the stale link, if any, is replaced
	if _, err := g.conn.Write(ctx,
		`UPDATE address_congressional_district SET valid_end = CURRENT_TIMESTAMP
		WHERE address = ? AND valid_end IS NULL`, geo.addressID); err != nil {
		return nil, err
	}
	if _, err := g.conn.Write(ctx,
		`INSERT INTO address_congressional_district (address, congressional_district, source, source_comment)
		VALUES (?, ?, ?, ?)`, geo.addressID, cd, refs.district, geocodeComment); err != nil {
		return nil, err
	}
	return d, nil
}
