package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/booking/internal/platform/db"
)

// mapPGError translates driver failures into the domain taxonomy.
func mapPGError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23P01":
		return &ConflictError{}
	case db.IsSerializationFailure(err):
		return fmt.Errorf("%s: %w", op, ErrStaleWrite)
	case errors.Is(err, context.DeadlineExceeded), db.IsUnavailable(err):
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// -- Unit of work --

type unitOfWorkPG struct {
	pool *pgxpool.Pool
}

// NewUnitOfWorkPG serializes units on a transaction-scoped advisory lock per
// (resource, date) key. Keys are locked in sorted order.
func NewUnitOfWorkPG(pool *pgxpool.Pool) UnitOfWork {
	return &unitOfWorkPG{pool: pool}
}

func (u *unitOfWorkPG) Do(ctx context.Context, keys []SlotKey, fn func(ctx context.Context) error) error {
	err := db.WithTx(ctx, u.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		for _, k := range sortedKeys(keys) {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", k.String()); err != nil {
				return mapPGError("lock "+k.String(), err)
			}
		}
		return fn(ctx)
	})
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return mapPGError("unit of work", err)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrStaleWrite) ||
		errors.Is(err, ErrDependencyUnavailable)
}

// -- Reservation Repository --

type reservationRepoPG struct {
	pool *pgxpool.Pool
}

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepoPG{pool: pool}
}

func (r *reservationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reservationCols = `id, resource_id, subject_id, location_id, department_id,
	date, start_minute, end_minute, duration_minutes, status, priority, appointment_type,
	reason, notes, outcome, cancellation_reason, version_id,
	created_by, updated_by, created_at, updated_at,
	confirmed_at, started_at, completed_at, cancelled_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	var date time.Time
	var start, end int
	var status, priority, apptType string
	err := row.Scan(&res.ID, &res.ResourceID, &res.SubjectID, &res.LocationID, &res.DepartmentID,
		&date, &start, &end, &res.DurationMinutes, &status, &priority, &apptType,
		&res.Reason, &res.Notes, &res.Outcome, &res.CancellationReason, &res.VersionID,
		&res.CreatedBy, &res.UpdatedBy, &res.CreatedAt, &res.UpdatedAt,
		&res.ConfirmedAt, &res.StartedAt, &res.CompletedAt, &res.CancelledAt)
	if err != nil {
		return nil, err
	}
	res.Date = DateOf(date)
	res.StartTime, res.EndTime = ClockTime(start), ClockTime(end)
	res.Status = Status(status)
	res.Priority = Priority(priority)
	res.AppointmentType = AppointmentType(apptType)
	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]*Reservation, error) {
	defer rows.Close()
	var items []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *reservationRepoPG) Create(ctx context.Context, res *Reservation) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.VersionID = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reservation (id, resource_id, subject_id, location_id, department_id,
			date, start_minute, end_minute, duration_minutes, status, priority, appointment_type,
			reason, notes, outcome, cancellation_reason, version_id,
			created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		res.ID, res.ResourceID, res.SubjectID, res.LocationID, res.DepartmentID,
		res.Date.Time(), int(res.StartTime), int(res.EndTime), res.DurationMinutes,
		string(res.Status), string(res.Priority), string(res.AppointmentType),
		res.Reason, res.Notes, res.Outcome, res.CancellationReason, res.VersionID,
		res.CreatedBy, res.UpdatedBy, res.CreatedAt, res.UpdatedAt)
	return mapPGError("insert reservation", err)
}

func (r *reservationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "reservation", ID: id.String()}
	}
	if err != nil {
		return nil, mapPGError("get reservation", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT channel, sent_at, delivery_status FROM reservation_reminder
		WHERE reservation_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, mapPGError("get reminders", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rem Reminder
		var channel, status string
		if err := rows.Scan(&channel, &rem.SentAt, &status); err != nil {
			return nil, mapPGError("scan reminder", err)
		}
		rem.Channel, rem.DeliveryStatus = Channel(channel), DeliveryStatus(status)
		res.Reminders = append(res.Reminders, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError("get reminders", err)
	}
	return res, nil
}

func (r *reservationRepoPG) Update(ctx context.Context, res *Reservation, expectedVersion int) error {
	var version int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE reservation SET
			resource_id = $2, location_id = $3, department_id = $4,
			date = $5, start_minute = $6, end_minute = $7, duration_minutes = $8,
			status = $9, priority = $10, appointment_type = $11,
			reason = $12, notes = $13, outcome = $14, cancellation_reason = $15,
			updated_by = $16, updated_at = $17,
			confirmed_at = $18, started_at = $19, completed_at = $20, cancelled_at = $21,
			version_id = version_id + 1
		WHERE id = $1 AND version_id = $22
		RETURNING version_id`,
		res.ID, res.ResourceID, res.LocationID, res.DepartmentID,
		res.Date.Time(), int(res.StartTime), int(res.EndTime), res.DurationMinutes,
		string(res.Status), string(res.Priority), string(res.AppointmentType),
		res.Reason, res.Notes, res.Outcome, res.CancellationReason,
		res.UpdatedBy, res.UpdatedAt,
		res.ConfirmedAt, res.StartedAt, res.CompletedAt, res.CancelledAt,
		expectedVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reservation WHERE id = $1)`, res.ID).Scan(&exists); err != nil {
			return mapPGError("update reservation", err)
		}
		if !exists {
			return &NotFoundError{Kind: "reservation", ID: res.ID.String()}
		}
		return ErrStaleWrite
	}
	if err != nil {
		return mapPGError("update reservation", err)
	}
	res.VersionID = version
	return nil
}

func (r *reservationRepoPG) AppendReminder(ctx context.Context, id uuid.UUID, rem Reminder) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reservation_reminder (reservation_id, channel, sent_at, delivery_status)
		VALUES ($1, $2, $3, $4)`,
		id, string(rem.Channel), rem.SentAt, string(rem.DeliveryStatus))
	return mapPGError("append reminder", err)
}

func (r *reservationRepoPG) ListOccupying(ctx context.Context, key SlotKey) ([]*Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reservationCols+` FROM reservation
		WHERE resource_id = $1 AND date = $2 AND status NOT IN ('cancelled', 'no-show')
		ORDER BY start_minute, id`, key.ResourceID, key.Date.Time())
	if err != nil {
		return nil, mapPGError("list occupying", err)
	}
	items, err := collectReservations(rows)
	return items, mapPGError("list occupying", err)
}

func (r *reservationRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	return r.Search(ctx, map[string]string{"subject_id": subjectID.String()}, limit, offset)
}

var reservationSearchColumns = map[string]string{
	"resource_id":      "resource_id = $%d",
	"subject_id":       "subject_id = $%d",
	"location_id":      "location_id = $%d",
	"department_id":    "department_id = $%d",
	"date":             "date = $%d",
	"date_from":        "date >= $%d",
	"date_to":          "date <= $%d",
	"status":           "status = $%d",
	"priority":         "priority = $%d",
	"appointment_type": "appointment_type = $%d",
}

var reservationSearchOrder = []string{
	"resource_id", "subject_id", "location_id", "department_id",
	"date", "date_from", "date_to", "status", "priority", "appointment_type",
}

func searchArg(key, value string) (interface{}, error) {
	switch key {
	case "resource_id", "subject_id", "location_id", "department_id":
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, invalid(key, "invalid id %q", value)
		}
		return id, nil
	case "date", "date_from", "date_to":
		d, err := ParseDate(value)
		if err != nil {
			return nil, invalid(key, "%v", err)
		}
		return d.Time(), nil
	}
	return value, nil
}

func (r *reservationRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Reservation, int, error) {
	where := " WHERE 1=1"
	var args []interface{}
	idx := 1
	for _, k := range reservationSearchOrder {
		v, ok := params[k]
		if !ok {
			continue
		}
		arg, err := searchArg(k, v)
		if err != nil {
			return nil, 0, err
		}
		where += " AND " + fmt.Sprintf(reservationSearchColumns[k], idx)
		args = append(args, arg)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM reservation"+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError("count reservations", err)
	}

	query := fmt.Sprintf("SELECT %s FROM reservation%s ORDER BY date, start_minute, id LIMIT $%d OFFSET $%d",
		reservationCols, where, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPGError("search reservations", err)
	}
	items, err := collectReservations(rows)
	if err != nil {
		return nil, 0, mapPGError("search reservations", err)
	}
	return items, total, nil
}

func (r *reservationRepoPG) CountByDateStatus(ctx context.Context, from, to Date) ([]StatusCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT date, status, COUNT(*) FROM reservation
		WHERE date BETWEEN $1 AND $2
		GROUP BY date, status
		ORDER BY date, status`, from.Time(), to.Time())
	if err != nil {
		return nil, mapPGError("count reservations", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var d time.Time
		var status string
		var n int
		if err := rows.Scan(&d, &status, &n); err != nil {
			return nil, mapPGError("scan counts", err)
		}
		out = append(out, StatusCount{Date: DateOf(d), Status: Status(status), Count: n})
	}
	return out, mapPGError("count reservations", rows.Err())
}

// -- Working Hours --

type workingHoursRepoPG struct {
	pool *pgxpool.Pool
}

func NewWorkingHoursRepoPG(pool *pgxpool.Pool) WorkingHoursProvider {
	return &workingHoursRepoPG{pool: pool}
}

func (r *workingHoursRepoPG) GetTemplate(ctx context.Context, resourceID uuid.UUID, weekday time.Weekday) (*WorkingHours, error) {
	wh := WorkingHours{ResourceID: resourceID, Weekday: weekday}
	var start, end int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT is_working, start_minute, end_minute, step_minutes
		FROM working_hours WHERE resource_id = $1 AND weekday = $2`,
		resourceID, int(weekday)).Scan(&wh.IsWorking, &start, &end, &wh.StepMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPGError("get working hours", err)
	}
	wh.StartTime, wh.EndTime = ClockTime(start), ClockTime(end)
	return &wh, nil
}

// -- Directory --

type directoryPG struct {
	pool *pgxpool.Pool
}

func NewDirectoryPG(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

func (d *directoryPG) exists(ctx context.Context, table string, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND active)`, pgx.Identifier{table}.Sanitize()),
		id).Scan(&ok)
	if err != nil {
		return false, mapPGError("lookup "+strings.ToLower(table), err)
	}
	return ok, nil
}

func (d *directoryPG) ResourceExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.exists(ctx, "provider", id)
}

func (d *directoryPG) SubjectExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.exists(ctx, "patient", id)
}
