package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/callpilot/internal/providers"
)

const (
	activeCallIndex    = "calls_one_active_per_request"
	activeBookingIndex = "bookings_one_active_per_request"
	uniqueViolation    = "23505"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB abstracts the pgx pool for testing.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore implements Store on the booking_requests, calls, bookings and
// call_events tables.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("booking: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const requestColumns = `id, service_type, preferred_dates, preferred_times, location, lat, lng, max_distance_km, notes, status, reason, created_at, updated_at`

const callColumns = `id, request_id, provider_id, telephony_ref, conversation_ref, status, outcome, reason,
	transcript, available_slots, confirmed_slots, booked_slot, confirmation_number, inferred_slot,
	reached_machine, callback_requested, score, duration_seconds, applied_events,
	answered_at, hangup_at, ended_at, last_event_at, created_at, updated_at, version,
	provider_name, provider_phone, pending_end`

const bookingColumns = `id, request_id, call_id, provider_id, appointment_time, confirmation_number, calendar_ref, status, created_at, updated_at`

func (s *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	dates, err := json.Marshal(r.PreferredDates)
	if err != nil {
		return fmt.Errorf("booking: marshal preferred dates: %w", err)
	}
	times, err := json.Marshal(r.PreferredTimes)
	if err != nil {
		return fmt.Errorf("booking: marshal preferred times: %w", err)
	}
	var lat, lng *float64
	if r.Coordinates != nil {
		lat, lng = &r.Coordinates.Lat, &r.Coordinates.Lng
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO booking_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ServiceType, dates, times, r.Location, lat, lng, r.MaxDistanceKm, r.Notes,
		string(r.Status), r.Reason, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("booking: create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *PostgresStore) getRequest(ctx context.Context, q querier, id string) (*Request, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM booking_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("booking: get request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, to RequestStatus, reason string, from ...RequestStatus) (*Request, error) {
	sources := requestSources(to, from)
	if len(sources) == 0 {
		return nil, ErrInvalidTransition
	}
	r, err := scanRequest(s.db.QueryRow(ctx, `
		UPDATE booking_requests SET status = $2, reason = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+requestColumns,
		id, string(to), reason, time.Now().UTC(), sources,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking: transition request: %w", err)
	}
	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, ErrRequestTerminal
	}
	return nil, ErrInvalidTransition
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM booking_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("booking: delete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, c *Call) error {
	args, err := callArgs(c)
	if err != nil {
		return err
	}
	c.Version = 1
	args[25] = c.Version
	tag, err := s.db.Exec(ctx, `
		INSERT INTO calls (`+callColumns+`)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
			$27, $28, $29
		WHERE EXISTS (SELECT 1 FROM booking_requests WHERE id = $2 AND status IN ('pending', 'calling'))`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err, activeCallIndex) {
			return ErrAlreadyInFlight
		}
		return fmt.Errorf("booking: create call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRequest(ctx, c.RequestID); err != nil {
			return err
		}
		return ErrRequestTerminal
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*Call, error) {
	return s.findCall(ctx, `id = $1`, id)
}

func (s *PostgresStore) FindCallByTelephonyRef(ctx context.Context, ref string) (*Call, error) {
	if ref == "" {
		return nil, ErrCallNotFound
	}
	return s.findCall(ctx, `telephony_ref = $1`, ref)
}

func (s *PostgresStore) FindCallByConversationRef(ctx context.Context, ref string) (*Call, error) {
	if ref == "" {
		return nil, ErrCallNotFound
	}
	return s.findCall(ctx, `conversation_ref = $1`, ref)
}

func (s *PostgresStore) findCall(ctx context.Context, where string, arg any) (*Call, error) {
	c, err := scanCall(s.db.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("booking: get call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCall(ctx context.Context, c *Call) error {
	return s.updateCall(ctx, s.db, c)
}

func (s *PostgresStore) updateCall(ctx context.Context, q querier, c *Call) error {
	args, err := callArgs(c)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()
	args[24] = updatedAt
	tag, err := q.Exec(ctx, `
		UPDATE calls SET
			provider_id = $3, telephony_ref = $4, conversation_ref = $5, status = $6, outcome = $7, reason = $8,
			transcript = $9, available_slots = $10, confirmed_slots = $11, booked_slot = $12,
			confirmation_number = $13, inferred_slot = $14, reached_machine = $15, callback_requested = $16,
			score = $17, duration_seconds = $18, applied_events = $19, answered_at = $20, hangup_at = $21,
			ended_at = $22, last_event_at = $23, created_at = $24, updated_at = $25, version = version + 1,
			provider_name = $27, provider_phone = $28, pending_end = $29
		WHERE id = $1 AND request_id = $2 AND version = $26
			AND status IN ('pending', 'ringing', 'in_progress')`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("booking: update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := s.GetCall(ctx, c.ID)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return ErrInvalidTransition
		}
		return ErrStaleCall
	}
	c.Version++
	c.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) SetTelephonyRef(ctx context.Context, callID, ref string) error {
	tag, err := s.db.Exec(ctx, `UPDATE calls SET telephony_ref = $2 WHERE id = $1 AND telephony_ref = ''`, callID, ref)
	if err != nil {
		return fmt.Errorf("booking: set telephony ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCall(ctx, callID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SetCallScore(ctx context.Context, callID string, score int) error {
	_, err := s.db.Exec(ctx, `UPDATE calls SET score = $2 WHERE id = $1 AND score IS NULL`, callID, score)
	if err != nil {
		return fmt.Errorf("booking: set call score: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCalls(ctx context.Context, requestID string) ([]*Call, error) {
	return s.listCalls(ctx, s.db, `request_id = $1`, requestID)
}

func (s *PostgresStore) ListActiveCalls(ctx context.Context) ([]*Call, error) {
	return s.listCalls(ctx, s.db, `status IN ('pending', 'ringing', 'in_progress')`)
}

func (s *PostgresStore) listCalls(ctx context.Context, q querier, where string, args ...any) ([]*Call, error) {
	rows, err := q.Query(ctx, `SELECT `+callColumns+` FROM calls WHERE `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: list calls: %w", err)
	}
	defer rows.Close()
	out := make([]*Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: list calls: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendCallEvent(ctx context.Context, e CallEvent) error {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_events (call_id, event_key, kind, payload, applied, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.CallID, e.EventKey, e.Kind, payload, e.Applied, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("booking: append call event: %w", err)
	}
	return nil
}

func (s *PostgresStore) DetachProvider(ctx context.Context, providerID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE calls SET provider_id = NULL WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("booking: detach provider from calls: %w", err)
	}
	if _, err := s.db.Exec(ctx, `UPDATE bookings SET provider_id = NULL WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("booking: detach provider from bookings: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitBooking(ctx context.Context, c *Call, b *Booking) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin commit: %w", err)
	}
	version := c.Version
	defer func() {
		if err != nil {
			c.Version = version
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	if err = tx.QueryRow(ctx, `SELECT status FROM booking_requests WHERE id = $1 FOR UPDATE`, b.RequestID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("booking: lock request: %w", err)
	}
	if RequestStatus(status).Terminal() {
		return ErrRequestTerminal
	}
	if err = s.updateCall(ctx, tx, c); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.RequestID, nullable(b.CallID), nullable(b.ProviderID), b.AppointmentTime,
		b.ConfirmationNumber, b.CalendarRef, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeBookingIndex) {
			return ErrDuplicateBooking
		}
		return fmt.Errorf("booking: insert booking: %w", err)
	}
	if _, err = tx.Exec(ctx, `UPDATE booking_requests SET status = 'completed', reason = '', updated_at = $2 WHERE id = $1`, b.RequestID, now); err != nil {
		return fmt.Errorf("booking: complete request: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, requestID string) (*Booking, error) {
	return s.getBooking(ctx, s.db, requestID)
}

func (s *PostgresStore) getBooking(ctx context.Context, q querier, requestID string) (*Booking, error) {
	b, err := scanBooking(q.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE request_id = $1
		ORDER BY (status <> 'cancelled') DESC, created_at DESC LIMIT 1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("booking: get booking: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBookingStatus(ctx context.Context, bookingID string, to BookingStatus) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `
		UPDATE bookings SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'confirmed'
		RETURNING `+bookingColumns, bookingID, string(to), time.Now().UTC()))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking: update booking status: %w", err)
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("booking: lookup booking: %w", err)
	}
	if !exists {
		return nil, ErrBookingNotFound
	}
	return nil, ErrInvalidTransition
}

// Snapshot reads the request, its calls and booking in one repeatable-read
// transaction so the projection never mixes two commits.
func (s *PostgresStore) Snapshot(ctx context.Context, requestID string) (snap *Snapshot, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("booking: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := s.getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	calls, err := s.listCalls(ctx, tx, `request_id = $1`, requestID)
	if err != nil {
		return nil, err
	}
	b, err := s.getBooking(ctx, tx, requestID)
	if err != nil && !errors.Is(err, ErrBookingNotFound) {
		return nil, err
	}
	return &Snapshot{Request: r, Calls: calls, Booking: b}, nil
}

func callArgs(c *Call) ([]any, error) {
	transcript, err := json.Marshal(nonNil(c.Transcript))
	if err != nil {
		return nil, fmt.Errorf("booking: marshal transcript: %w", err)
	}
	slots, err := json.Marshal(nonNil(c.AvailableSlots))
	if err != nil {
		return nil, fmt.Errorf("booking: marshal slots: %w", err)
	}
	confirmed, err := json.Marshal(nonNil(c.ConfirmedSlots))
	if err != nil {
		return nil, fmt.Errorf("booking: marshal confirmations: %w", err)
	}
	applied, err := json.Marshal(nonNil(c.AppliedEvents))
	if err != nil {
		return nil, fmt.Errorf("booking: marshal applied events: %w", err)
	}
	booked, err := marshalOptional(c.BookedSlot)
	if err != nil {
		return nil, err
	}
	inferred, err := marshalOptional(c.InferredSlot)
	if err != nil {
		return nil, err
	}
	var pendingEnd []byte
	if c.PendingEnd != nil {
		if pendingEnd, err = json.Marshal(c.PendingEnd); err != nil {
			return nil, fmt.Errorf("booking: marshal pending end: %w", err)
		}
	}
	return []any{
		c.ID, c.RequestID, nullable(c.ProviderID), c.TelephonyRef, c.ConversationRef,
		string(c.Status), string(c.Outcome), c.Reason,
		transcript, slots, confirmed, booked, c.ConfirmationNumber, inferred,
		c.ReachedMachine, c.CallbackRequested, c.Score, c.DurationSeconds, applied,
		c.AnsweredAt, c.HangupAt, c.EndedAt, c.LastEventAt, c.CreatedAt, c.UpdatedAt, c.Version,
		c.ProviderName, c.ProviderPhone, pendingEnd,
	}, nil
}

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r            Request
		dates, times []byte
		lat, lng     *float64
		status       string
	)
	if err := row.Scan(&r.ID, &r.ServiceType, &dates, &times, &r.Location, &lat, &lng, &r.MaxDistanceKm,
		&r.Notes, &status, &r.Reason, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	if lat != nil && lng != nil {
		r.Coordinates = &providers.Coordinates{Lat: *lat, Lng: *lng}
	}
	if err := unmarshalJSON(dates, &r.PreferredDates); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(times, &r.PreferredTimes); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanCall(row pgx.Row) (*Call, error) {
	var (
		c                                     Call
		providerID                            *string
		status, outcome                       string
		transcript, slots, confirmed, applied []byte
		booked, inferred, pendingEnd          []byte
	)
	if err := row.Scan(&c.ID, &c.RequestID, &providerID, &c.TelephonyRef, &c.ConversationRef, &status, &outcome, &c.Reason,
		&transcript, &slots, &confirmed, &booked, &c.ConfirmationNumber, &inferred,
		&c.ReachedMachine, &c.CallbackRequested, &c.Score, &c.DurationSeconds, &applied,
		&c.AnsweredAt, &c.HangupAt, &c.EndedAt, &c.LastEventAt, &c.CreatedAt, &c.UpdatedAt, &c.Version,
		&c.ProviderName, &c.ProviderPhone, &pendingEnd); err != nil {
		return nil, err
	}
	if providerID != nil {
		c.ProviderID = *providerID
	}
	c.Status = CallStatus(status)
	c.Outcome = Outcome(outcome)
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{transcript, &c.Transcript},
		{slots, &c.AvailableSlots},
		{confirmed, &c.ConfirmedSlots},
		{applied, &c.AppliedEvents},
		{booked, &c.BookedSlot},
		{inferred, &c.InferredSlot},
		{pendingEnd, &c.PendingEnd},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b                  Booking
		callID, providerID *string
		status             string
	)
	if err := row.Scan(&b.ID, &b.RequestID, &callID, &providerID, &b.AppointmentTime,
		&b.ConfirmationNumber, &b.CalendarRef, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if callID != nil {
		b.CallID = *callID
	}
	if providerID != nil {
		b.ProviderID = *providerID
	}
	b.Status = BookingStatus(status)
	return &b, nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func marshalOptional(s *Slot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("booking: marshal slot: %w", err)
	}
	return data, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
