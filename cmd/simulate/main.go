package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konzohila/LindebergsHealth/internal/api"
	"github.com/konzohila/LindebergsHealth/internal/logger"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	Staff           int
	Rooms           int
	Days            int
	BookingRatio    float64
	RescheduleRatio float64
	CancelRatio     float64
	ReadRatio       float64
}

// DataPool holds the resources the simulation books against and the
// appointments created so far.
type DataPool struct {
	Staff        []uuid.UUID
	Rooms        []uuid.UUID
	Actor        uuid.UUID
	FirstDay     time.Time
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking    OperationMetrics
	Reschedule OperationMetrics
	Cancel     OperationMetrics
	ReadByID   OperationMetrics
	Calendar   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

// overlap is one pair of occupying appointments sharing a resource.
type overlap struct {
	Resource string
	First    uuid.UUID
	Second   uuid.UUID
}

func main() {
	log, err := logger.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("staff", cfg.Staff),
		zap.Int("rooms", cfg.Rooms),
		zap.Int("days", cfg.Days),
	)

	sim := &Simulator{
		config: cfg,
		pool:   newDataPool(cfg),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Fatal("simulation failed", zap.Error(err))
	}

	overlaps, err := sim.Verify(context.Background())
	if err != nil {
		log.Fatal("verification failed", zap.Error(err))
	}

	sim.PrintReport(overlaps)
	if len(overlaps) > 0 {
		os.Exit(2)
	}
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:      strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 20),
		Staff:           getInt("SIM_STAFF", 4),
		Rooms:           getInt("SIM_ROOMS", 3),
		Days:            getInt("SIM_DAYS", 2),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.25),
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return fmt.Errorf("SIM_API_BASE_URL: %w", err)
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Staff <= 0 || cfg.Rooms <= 0 || cfg.Days <= 0 {
		return errors.New("SIM_STAFF, SIM_ROOMS and SIM_DAYS must be > 0")
	}
	return nil
}

// newDataPool uses a small set of resources so workers compete for the same
// slots. Days start tomorrow (UTC) to stay clear of the booking grace.
func newDataPool(cfg SimConfig) *DataPool {
	dp := &DataPool{Actor: uuid.New()}
	for i := 0; i < cfg.Staff; i++ {
		dp.Staff = append(dp.Staff, uuid.New())
	}
	for i := 0; i < cfg.Rooms; i++ {
		dp.Rooms = append(dp.Rooms, uuid.New())
	}
	y, m, d := time.Now().UTC().AddDate(0, 0, 1).Date()
	dp.FirstDay = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return dp
}

func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.log.Info("simulation complete")
	return nil
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	faker := gofakeit.New(uint64(rng.Int63()))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng, faker)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng, faker)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByID(ctx, rng)
			} else {
				s.doCalendar(ctx, rng)
			}
		}
	}
}

// randomSlot picks a quarter-hour start between 08:00 and 17:45 on one of
// the simulated days.
func (s *Simulator) randomSlot(rng *rand.Rand) (time.Time, int) {
	day := s.pool.FirstDay.AddDate(0, 0, rng.Intn(s.config.Days))
	start := day.Add(8*time.Hour + time.Duration(rng.Intn(40))*15*time.Minute)
	return start, 15 * (1 + rng.Intn(3))
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	start, duration := s.randomSlot(rng)
	body := api.BookAppointmentRequest{
		Title:           faker.LastName() + " consultation",
		Start:           start,
		DurationMinutes: duration,
		StaffID:         s.pool.Staff[rng.Intn(len(s.pool.Staff))].String(),
		RoomID:          s.pool.Rooms[rng.Intn(len(s.pool.Rooms))].String(),
		PatientID:       uuid.NewString(),
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	began := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/appointments", body, &created)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Booking.Record(time.Since(began), status, err)

	if err == nil && status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start, duration := s.randomSlot(rng)

	began := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/appointments/"+id.String()+"/reschedule",
		api.RescheduleRequest{Start: start, DurationMinutes: duration, Reason: "simulated"}, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Reschedule.Record(time.Since(began), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	began := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/appointments/"+id.String()+"/cancel",
		api.ReasonRequest{Reason: "patient " + faker.FirstName() + " cancelled"}, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(time.Since(began), status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	began := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/appointments/"+id.String(), nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByID.Record(time.Since(began), status, err)
}

func (s *Simulator) doCalendar(ctx context.Context, rng *rand.Rand) {
	staffID := s.pool.Staff[rng.Intn(len(s.pool.Staff))]
	day := s.pool.FirstDay.AddDate(0, 0, rng.Intn(s.config.Days))

	began := time.Now()
	status, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("/calendar/staff/%s?day=%s", staffID, day.Format(time.DateOnly)), nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Calendar.Record(time.Since(began), status, err)
}

// Verify lists every appointment of every simulated resource and reports
// pairs of occupying appointments whose intervals overlap.
func (s *Simulator) Verify(ctx context.Context) ([]overlap, error) {
	from := s.pool.FirstDay
	to := from.AddDate(0, 0, s.config.Days)

	var mu sync.Mutex
	var found []overlap

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	check := func(param string, id uuid.UUID) {
		g.Go(func() error {
			q := url.Values{}
			q.Set(param, id.String())
			q.Set("from", from.Format(time.RFC3339))
			q.Set("to", to.Format(time.RFC3339))

			var appts []api.AppointmentResponse
			status, err := s.do(ctx, http.MethodGet, "/appointments?"+q.Encode(), nil, &appts)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("list %s=%s: status %d", param, id, status)
			}

			pairs := findOverlaps(param+"="+id.String(), appts)
			mu.Lock()
			found = append(found, pairs...)
			mu.Unlock()
			return nil
		})
	}
	for _, id := range s.pool.Staff {
		check("staff_id", id)
	}
	for _, id := range s.pool.Rooms {
		check("room_id", id)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

func findOverlaps(resource string, appts []api.AppointmentResponse) []overlap {
	var occupying []api.AppointmentResponse
	for _, a := range appts {
		if a.Appointment != nil && a.Status.Occupies() {
			occupying = append(occupying, a)
		}
	}
	sort.Slice(occupying, func(i, j int) bool { return occupying[i].Start.Before(occupying[j].Start) })

	var out []overlap
	for i := range occupying {
		for j := i + 1; j < len(occupying); j++ {
			if !occupying[j].Start.Before(occupying[i].End) {
				break
			}
			out = append(out, overlap{Resource: resource, First: occupying[i].ID, Second: occupying[j].ID})
		}
	}
	return out
}

func (s *Simulator) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.ActorHeader, s.pool.Actor.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport(overlaps []overlap) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Resources: %d staff, %d rooms over %d days\n", s.config.Staff, s.config.Rooms, s.config.Days)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Calendar", &s.metrics.Calendar)

	if len(overlaps) == 0 {
		fmt.Println("Double bookings: none")
		return
	}
	fmt.Printf("Double bookings: %d\n", len(overlaps))
	for _, o := range overlaps {
		fmt.Printf("  %s: %s overlaps %s\n", o.Resource, o.First, o.Second)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
