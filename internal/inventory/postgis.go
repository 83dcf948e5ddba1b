package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/sells-group/innsight/internal/db"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/osm"
)

// DefaultTable holds accommodation listings with a point geom column.
const DefaultTable = "public.accommodations"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// PostGIS reads accommodations from a PostGIS table. The table needs
// id, name, kind, latitude, longitude, rating (nullable), tags (jsonb) and
// geom (point, SRID 4326).
type PostGIS struct {
	pool  db.Pool
	table string
	limit int
}

// NewPostGIS creates an inventory over table. An empty table uses
// DefaultTable; limit <= 0 uses DefaultLimit.
func NewPostGIS(pool db.Pool, table string, limit int) (*PostGIS, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, model.Errorf(model.KindInvalidConfiguration, "inventory: invalid table name %q", table)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &PostGIS{pool: pool, table: table, limit: limit}, nil
}

// Candidates returns listings within radiusMeters of center, nearest first.
func (p *PostGIS) Candidates(ctx context.Context, center model.Coordinate, radiusMeters float64) ([]model.Accommodation, error) {
	if err := checkArea(center, radiusMeters); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`
		SELECT id, name, kind, latitude, longitude, rating, tags
		FROM %s
		WHERE ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY geom <-> ST_SetSRID(ST_MakePoint($1, $2), 4326), id
		LIMIT $4`,
		p.table,
	)
	rows, err := p.pool.Query(ctx, sql, center.Lon, center.Lat, radiusMeters, p.limit)
	if err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, err, "inventory: query within distance")
	}
	defer rows.Close()

	var out []model.Accommodation
	for rows.Next() {
		var (
			a      model.Accommodation
			kind   *string
			rating *float64
			raw    []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &kind, &a.Location.Lat, &a.Location.Lon, &rating, &raw); err != nil {
			return nil, eris.Wrap(err, "inventory: scan accommodation row")
		}
		if kind != nil {
			a.Kind = *kind
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Tags); err != nil {
				return nil, eris.Wrapf(err, "inventory: decode tags for %s", a.ID)
			}
		}
		a.Rating = rating
		if a.Rating == nil {
			a.Rating = osm.ExtractRating(a.Tags)
		}
		a.Amenities = osm.ExtractAmenities(a.Tags)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, err, "inventory: iterate rows")
	}
	return out, nil
}
