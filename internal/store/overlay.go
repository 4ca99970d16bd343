package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ayusman/tryon/internal/pose"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an overlay with the same source already exists.
var ErrDuplicate = errors.New("duplicate overlay source")

// Origin records how an overlay entered the catalog.
type Origin string

const (
	// OriginManual is an overlay added through the API by source reference.
	OriginManual Origin = "manual"
	// OriginUpload is an uploaded image stored by the service.
	OriginUpload Origin = "upload"
	// OriginCatalog is a file discovered in the watched overlay directory.
	OriginCatalog Origin = "catalog"
)

// Overlay is an eyewear image in the catalog together with its placement
// calibration.
type Overlay struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Source         string    `json:"source"`
	Origin         Origin    `json:"origin"`
	RefEyeDistance float64   `json:"ref_eye_distance"`
	ScaleX         float64   `json:"scale_x"`
	ScaleY         float64   `json:"scale_y"`
	OffsetX        float64   `json:"offset_x"`
	OffsetY        float64   `json:"offset_y"`
	Depth          float64   `json:"depth"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Calibration returns the overlay's mapping constants.
func (o *Overlay) Calibration() pose.Calibration {
	return pose.Calibration{
		ReferenceEyeDistance: o.RefEyeDistance,
		ScaleX:               o.ScaleX,
		ScaleY:               o.ScaleY,
		OffsetX:              o.OffsetX,
		OffsetY:              o.OffsetY,
		Depth:                o.Depth,
	}
}

// SetCalibration copies cal into the overlay.
func (o *Overlay) SetCalibration(cal pose.Calibration) {
	o.RefEyeDistance = cal.ReferenceEyeDistance
	o.ScaleX = cal.ScaleX
	o.ScaleY = cal.ScaleY
	o.OffsetX = cal.OffsetX
	o.OffsetY = cal.OffsetY
	o.Depth = cal.Depth
}

// OverlayRepository provides CRUD operations for overlays.
type OverlayRepository struct {
	db *sql.DB
}

// Overlays returns the overlay repository for this store.
func (s *Store) Overlays() *OverlayRepository {
	return &OverlayRepository{db: s.db}
}

const overlayColumns = `id, name, source, origin, ref_eye_distance, scale_x, scale_y, offset_x, offset_y, depth, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOverlay(row scanner) (*Overlay, error) {
	o := &Overlay{}
	var origin string
	err := row.Scan(&o.ID, &o.Name, &o.Source, &origin, &o.RefEyeDistance, &o.ScaleX, &o.ScaleY,
		&o.OffsetX, &o.OffsetY, &o.Depth, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Origin = Origin(origin)
	return o, nil
}

// Create inserts a new overlay. A zero calibration is replaced by the
// reference tuning.
func (r *OverlayRepository) Create(o *Overlay) error {
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Origin == "" {
		o.Origin = OriginManual
	}
	if o.Calibration() == (pose.Calibration{}) {
		o.SetCalibration(pose.DefaultCalibration())
	}

	_, err := r.db.Exec(
		`INSERT INTO overlays (`+overlayColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Source, string(o.Origin), o.RefEyeDistance, o.ScaleX, o.ScaleY,
		o.OffsetX, o.OffsetY, o.Depth, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	return nil
}

// GetByID retrieves an overlay by its ID.
func (r *OverlayRepository) GetByID(id string) (*Overlay, error) {
	o, err := scanOverlay(r.db.QueryRow(`SELECT `+overlayColumns+` FROM overlays WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// GetBySource retrieves an overlay by its image source.
func (r *OverlayRepository) GetBySource(source string) (*Overlay, error) {
	o, err := scanOverlay(r.db.QueryRow(`SELECT `+overlayColumns+` FROM overlays WHERE source = ?`, source))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// List retrieves all overlays ordered by name.
func (r *OverlayRepository) List() ([]*Overlay, error) {
	return r.query(`SELECT ` + overlayColumns + ` FROM overlays ORDER BY name, created_at`)
}

// ListByOrigin retrieves the overlays that entered the catalog a given way.
func (r *OverlayRepository) ListByOrigin(origin Origin) ([]*Overlay, error) {
	return r.query(`SELECT `+overlayColumns+` FROM overlays WHERE origin = ? ORDER BY name`, string(origin))
}

func (r *OverlayRepository) query(q string, args ...any) ([]*Overlay, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overlays []*Overlay
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return overlays, nil
}

// Update updates an existing overlay.
func (r *OverlayRepository) Update(o *Overlay) error {
	o.UpdatedAt = time.Now()

	result, err := r.db.Exec(
		`UPDATE overlays SET name = ?, source = ?, ref_eye_distance = ?, scale_x = ?, scale_y = ?,
		 offset_x = ?, offset_y = ?, depth = ?, updated_at = ?
		 WHERE id = ?`,
		o.Name, o.Source, o.RefEyeDistance, o.ScaleX, o.ScaleY, o.OffsetX, o.OffsetY, o.Depth, o.UpdatedAt, o.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Upsert inserts o, or refreshes the name of the overlay that already has
// its source. Existing calibration is kept. It reports whether a row was
// created and fills o from the stored row.
func (r *OverlayRepository) Upsert(o *Overlay) (bool, error) {
	existing, err := r.GetBySource(o.Source)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := r.Create(o); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	if existing.Name != o.Name {
		existing.Name = o.Name
		if err := r.Update(existing); err != nil {
			return false, err
		}
	}
	*o = *existing
	return false, nil
}

// Delete removes an overlay by its ID.
func (r *OverlayRepository) Delete(id string) error {
	return r.deleteWhere(`DELETE FROM overlays WHERE id = ?`, id)
}

// DeleteBySource removes the overlay with the given source.
func (r *OverlayRepository) DeleteBySource(source string) error {
	return r.deleteWhere(`DELETE FROM overlays WHERE source = ?`, source)
}

func (r *OverlayRepository) deleteWhere(q string, arg string) error {
	result, err := r.db.Exec(q, arg)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
