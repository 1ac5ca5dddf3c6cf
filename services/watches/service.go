// Package watches owns the durable state of the monitor: user credentials,
// watch rules and the shared result cache.
package watches

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"awardwatch-backend/lib/scrapers/cathay"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/watches")

var ErrNotFound = errors.New("not found")

// User binds a notification address to a frequent-flyer identity. The
// password is stored sealed; it is only opened transiently for automated
// re-login.
type User struct {
	Email          string
	MemberID       string
	SealedPassword string
}

// Watch is one standing availability query over a date range.
type Watch struct {
	ID          int64        `json:"id"`
	UserEmail   string       `json:"userEmail"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	StartDate   string       `json:"startDate"`
	EndDate     string       `json:"endDate"`
	Adults      int          `json:"adults"`
	Children    int          `json:"children"`
	MinCabin    cathay.Cabin `json:"minCabin"`
	NonstopOnly bool         `json:"nonstopOnly"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Dates expands the watch's inclusive date range into YYYYMMDD values.
func (w Watch) Dates() ([]string, error) {
	start, err := time.Parse("2006-01-02", w.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", w.StartDate, err)
	}
	end, err := time.Parse("2006-01-02", w.EndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", w.EndDate, err)
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("20060102"))
	}
	return dates, nil
}

type Service struct {
	db *sql.DB
}

func NewService(database *sql.DB) Service {
	return Service{db: database}
}

func (s Service) UpsertUser(ctx context.Context, user User) error {
	ctx, span := tracer.Start(ctx, "UpsertUser")
	defer span.End()

	span.SetAttributes(attribute.String("email", user.Email))

	if user.Email == "" || user.MemberID == "" {
		err := errors.New("email and member id are required")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, member_id, sealed_password, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			member_id = excluded.member_id,
			sealed_password = excluded.sealed_password
	`, user.Email, user.MemberID, user.SealedPassword, time.Now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s Service) GetUser(ctx context.Context, email string) (User, error) {
	ctx, span := tracer.Start(ctx, "GetUser")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT email, member_id, sealed_password FROM users WHERE email = ?
	`, email)

	var user User
	err := row.Scan(&user.Email, &user.MemberID, &user.SealedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return User{}, err
	}
	return user, nil
}

var airportCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

func validateWatch(w Watch) error {
	if !airportCodePattern.MatchString(w.From) {
		return fmt.Errorf("origin must be a 3-letter code, got %q", w.From)
	}
	if !airportCodePattern.MatchString(w.To) {
		return fmt.Errorf("destination must be a 3-letter code, got %q", w.To)
	}
	if w.From == w.To {
		return errors.New("origin and destination must differ")
	}

	start, err := time.Parse("2006-01-02", w.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start date %q", w.StartDate)
	}
	end, err := time.Parse("2006-01-02", w.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end date %q", w.EndDate)
	}
	if end.Before(start) {
		return errors.New("end date precedes start date")
	}
	if end.Sub(start) > 62*24*time.Hour {
		return errors.New("date range exceeds 62 days")
	}

	if w.Adults < 1 || w.Adults > 9 {
		return fmt.Errorf("adults must be 1..9, got %d", w.Adults)
	}
	if w.Children < 0 || w.Children > 9 {
		return fmt.Errorf("children must be 0..9, got %d", w.Children)
	}
	if !w.MinCabin.Valid() {
		return fmt.Errorf("unknown cabin %q", w.MinCabin)
	}
	return nil
}

// AddWatch validates and persists a watch, returning it with its assigned id.
func (s Service) AddWatch(ctx context.Context, w Watch) (Watch, error) {
	ctx, span := tracer.Start(ctx, "AddWatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("from", w.From),
		attribute.String("to", w.To),
	)

	w.From = strings.ToUpper(w.From)
	w.To = strings.ToUpper(w.To)
	if w.MinCabin == "" {
		// no cabin floor means notify on seats in any cabin
		w.MinCabin = cathay.CabinEconomy
	}

	err := validateWatch(w)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Watch{}, err
	}

	w.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO watches
			(user_email, origin, destination, start_date, end_date,
			 adults, children, min_cabin, nonstop_only, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.UserEmail, w.From, w.To, w.StartDate, w.EndDate,
		w.Adults, w.Children, string(w.MinCabin), w.NonstopOnly, w.CreatedAt.Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Watch{}, err
	}

	w.ID, err = res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Watch{}, err
	}
	return w, nil
}

func (s Service) DeleteWatch(ctx context.Context, id int64) error {
	ctx, span := tracer.Start(ctx, "DeleteWatch")
	defer span.End()

	span.SetAttributes(attribute.Int64("id", id))

	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWatches returns all watches, or only one user's when email is set.
func (s Service) ListWatches(ctx context.Context, email string) ([]Watch, error) {
	ctx, span := tracer.Start(ctx, "ListWatches")
	defer span.End()

	query := `
		SELECT id, user_email, origin, destination, start_date, end_date,
		       adults, children, min_cabin, nonstop_only, created_at
		FROM watches ORDER BY id`
	var args []any
	if email != "" {
		query = `
			SELECT id, user_email, origin, destination, start_date, end_date,
			       adults, children, min_cabin, nonstop_only, created_at
			FROM watches WHERE user_email = ? ORDER BY id`
		args = append(args, email)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		var w Watch
		var cabin string
		var createdAt int64
		err = rows.Scan(
			&w.ID, &w.UserEmail, &w.From, &w.To, &w.StartDate, &w.EndDate,
			&w.Adults, &w.Children, &cabin, &w.NonstopOnly, &createdAt,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		w.MinCabin = cathay.Cabin(cabin)
		w.CreatedAt = time.Unix(createdAt, 0)
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return watches, nil
}

func cacheKey(req cathay.SearchRequest) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d:%s",
		req.From, req.To, req.DateYMD, req.Adults, req.Children, req.Cabin)
}

// CacheResult stores one day's search result under its request key,
// replacing any older entry.
func (s Service) CacheResult(ctx context.Context, req cathay.SearchRequest, result cathay.SearchResult) error {
	ctx, span := tracer.Start(ctx, "CacheResult")
	defer span.End()

	payload, err := json.Marshal(result)
	if err != nil {
		span.RecordError(err)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results_cache (cache_key, payload, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`, cacheKey(req), string(payload), time.Now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// CachedResult returns the stored result for a request if one exists and is
// younger than maxAge.
func (s Service) CachedResult(ctx context.Context, req cathay.SearchRequest, maxAge time.Duration) (cathay.SearchResult, bool, error) {
	ctx, span := tracer.Start(ctx, "CachedResult")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT payload, fetched_at FROM results_cache WHERE cache_key = ?
	`, cacheKey(req))

	var payload string
	var fetchedAt int64
	err := row.Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cathay.SearchResult{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cathay.SearchResult{}, false, err
	}

	if time.Since(time.Unix(fetchedAt, 0)) > maxAge {
		return cathay.SearchResult{}, false, nil
	}

	var result cathay.SearchResult
	err = json.Unmarshal([]byte(payload), &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cathay.SearchResult{}, false, err
	}
	return result, true, nil
}
