// README: Bench cases; seeds drivers, requests a trip, races accepts and walks the trip to completion.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridedispatch/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var pickup = map[string]float64{"lat": 10.762622, "lng": 106.660172}
var destination = map[string]float64{"lat": 10.7725, "lng": 106.6980}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// shared between cases, in order
	passenger string
	tripID    string
	offers    map[string]string // driver -> offer id
	winner    string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		passenger: fmt.Sprintf("bench_p_%d", time.Now().UnixNano()),
		offers:    map[string]string{},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) driver(i int) string {
	return fmt.Sprintf("%s_d%d", r.passenger, i)
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{"Env: Postgres connect", func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusSkip, Note: "dsn not set"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err)
			}
			return Result{Status: statusPass}
		}},
		{"Env: Redis connect", func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not set"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err)
			}
			return Result{Status: statusPass}
		}},
		{"Migration: tables exist", checkTables},
		{"API: health", func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
			return expect(code, latency, err, http.StatusOK)
		}},
		{"Location: seed drivers", seedDrivers},
		{"Location: invalid coords -> 400", func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPut, "/api/drivers/location", "driver:"+r.driver(0), map[string]any{"lat": 123.0, "lng": 456.0})
			return expect(code, latency, err, http.StatusBadRequest)
		}},
		{"Trip: missing destination -> 400", func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/trips", r.passenger, map[string]any{"pickup": pickup})
			return expect(code, latency, err, http.StatusBadRequest)
		}},
		{"Trip: request", requestTrip},
		{"Trip: duplicate active -> 409", func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/trips", r.passenger, map[string]any{"pickup": pickup, "destination": destination})
			return expect(code, latency, err, http.StatusConflict)
		}},
		{"Dispatch: trip reaches finding_driver", awaitDispatch},
		{"Offers: every seeded driver has one", collectOffers},
		{"Concurrency: accepts race, one winner", raceAccepts},
		{"Trip: winner drives to completion", driveTrip},
		{"Trip: completed cannot cancel -> 409", func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			code, _, latency, err := r.call(ctx, http.MethodPost, "/api/trips/"+r.tripID+"/cancel", r.passenger, nil)
			return expect(code, latency, err, http.StatusConflict)
		}},
		{"Consistency: status_version and events", checkConsistency},
		{"Perf: location update throughput", func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, http.MethodPut, "/api/drivers/location", "driver:"+r.driver(0), map[string]any{
				"lat": pickup["lat"], "lng": pickup["lng"],
			})
		}},
	}
}

func seedDrivers(ctx context.Context, r *Runner) Result {
	start := time.Now()
	for i := 0; i < r.cfg.Drivers; i++ {
		body := map[string]any{"lat": pickup["lat"] + 0.002*float64(i+1), "lng": pickup["lng"]}
		code, _, _, err := r.call(ctx, http.MethodPut, "/api/drivers/location", "driver:"+r.driver(i), body)
		if err != nil {
			return fail(err)
		}
		if code != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("driver %d status=%d", i, code)}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", r.cfg.Drivers)}
}

func requestTrip(ctx context.Context, r *Runner) Result {
	code, body, latency, err := r.call(ctx, http.MethodPost, "/api/trips", r.passenger, map[string]any{
		"pickup":      pickup,
		"destination": destination,
	})
	if err != nil {
		return fail(err)
	}
	if code != http.StatusCreated {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
	}
	var t struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return fail(err)
	}
	r.tripID = t.ID
	return Result{Status: statusPass, Latency: latency, Note: "status=" + t.Status}
}

func awaitDispatch(ctx context.Context, r *Runner) Result {
	if r.tripID == "" {
		return Result{Status: statusSkip, Note: "no trip"}
	}
	start := time.Now()
	deadline := start.Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, body, _, err := r.call(ctx, http.MethodGet, "/api/trips/"+r.tripID, r.passenger, nil)
		if err != nil {
			return fail(err)
		}
		var t struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(body, &t)
		switch t.Status {
		case "finding_driver":
			return Result{Status: statusPass, Latency: time.Since(start)}
		case "no_drivers_available":
			return Result{Status: statusFail, Note: "no drivers found"}
		}
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	return Result{Status: statusFail, Note: "dispatch did not finish"}
}

func collectOffers(ctx context.Context, r *Runner) Result {
	if r.tripID == "" {
		return Result{Status: statusSkip, Note: "no trip"}
	}
	for i := 0; i < r.cfg.Drivers; i++ {
		d := r.driver(i)
		_, body, _, err := r.call(ctx, http.MethodGet, "/api/drivers/offers", "driver:"+d, nil)
		if err != nil {
			return fail(err)
		}
		var list struct {
			Offers []struct {
				ID     string `json:"id"`
				TripID string `json:"trip_id"`
			} `json:"offers"`
		}
		_ = json.Unmarshal(body, &list)
		for _, o := range list.Offers {
			if o.TripID == r.tripID {
				r.offers[d] = o.ID
			}
		}
	}
	if len(r.offers) == 0 {
		return Result{Status: statusFail, Note: "no offers"}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("offers=%d of %d drivers", len(r.offers), r.cfg.Drivers)}
}

func raceAccepts(ctx context.Context, r *Runner) Result {
	if len(r.offers) < 2 {
		return Result{Status: statusSkip, Note: "need at least two offers"}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		other   []int
	)
	start := make(chan struct{})
	began := time.Now()
	for d, offerID := range r.offers {
		wg.Add(1)
		go func(d, offerID string) {
			defer wg.Done()
			<-start
			code, _, _, err := r.call(ctx, http.MethodPost, "/api/drivers/offers/"+offerID+"/accept", "driver:"+d, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, -1)
			case code == http.StatusOK:
				winners = append(winners, d)
			case code != http.StatusConflict:
				other = append(other, code)
			}
		}(d, offerID)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || len(other) > 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("winners=%d unexpected=%v", len(winners), other)}
	}
	r.winner = winners[0]
	return Result{Status: statusPass, Latency: time.Since(began), Note: fmt.Sprintf("racers=%d", len(r.offers))}
}

func driveTrip(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: statusSkip, Note: "no winner"}
	}
	start := time.Now()
	for _, step := range []string{"en-route", "arrive", "start", "complete"} {
		code, _, _, err := r.call(ctx, http.MethodPost, "/api/drivers/trips/"+r.tripID+"/"+step, "driver:"+r.winner, nil)
		if err != nil {
			return fail(err)
		}
		if code != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("%s status=%d", step, code)}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not set"}
	}
	tables, err := extractTables("0001_init.up.sql")
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

// checkConsistency expects one event per status change of the bench trip.
func checkConsistency(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.tripID == "" {
		return Result{Status: statusSkip, Note: "dsn or trip missing"}
	}
	var version, events int
	err := r.db.QueryRow(ctx, `
		SELECT t.status_version, (SELECT count(*) FROM trip_state_events e WHERE e.trip_id = t.id)
		FROM trips t WHERE t.id = $1`, r.tripID).Scan(&version, &events)
	if err != nil {
		return fail(err)
	}
	// the creation event (none -> requested) does not bump the version
	if events != version+1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("version=%d events=%d", version, events)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("version=%d", version)}
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, _, err := r.call(ctx, method, path, token, payload)
				mu.Lock()
				if err != nil || code >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// call sends a JSON request with a dev bearer token ("role:uid" or "uid").
func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, time.Since(start), err
}

func expect(code int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return fail(err)
	}
	if code != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

func fail(err error) Result {
	return Result{Status: statusFail, Note: err.Error()}
}

// extractTables lists the tables created by an embedded migration file.
func extractTables(name string) ([]string, error) {
	b, err := migrations.FS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
