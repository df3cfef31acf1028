package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
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

	"github.com/hackgods/clinic-event-pipeline/internal/config"
)

type SimConfig struct {
	AppointmentURL string
	BillingURL     string
	Duration       time.Duration
	Workers        int
	BookingRatio   float64
	UpdateRatio    float64
	CancelRatio    float64
	PaymentRatio   float64
	ReadRatio      float64
	DoctorIDs      []int64
}

type bookedAppointment struct {
	ID    uuid.UUID
	Email string
}

type DataPool struct {
	mu           sync.RWMutex
	appointments []bookedAppointment
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// TakeRandomAppointment removes and returns an appointment, for cancels.
func (dp *DataPool) TakeRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	n := len(dp.appointments)
	if n == 0 {
		return bookedAppointment{}, false
	}
	idx := rng.Intn(n)
	a := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[n-1]
	dp.appointments = dp.appointments[:n-1]
	return a, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = percentile(latencies, 50)
	p95 = percentile(latencies, 95)
	p99 = percentile(latencies, 99)

	return avg, min, max, p50, p95, p99
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Metrics struct {
	Booking         OperationMetrics
	Update          OperationMetrics
	Cancel          OperationMetrics
	Payment         OperationMetrics
	ReadAppointment OperationMetrics
	ListInvoices    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f update=%.2f cancel=%.2f payment=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.UpdateRatio, cfg.CancelRatio, cfg.PaymentRatio, cfg.ReadRatio)

	gofakeit.Seed(time.Now().UnixNano())

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	if _, err := config.Load(); err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		AppointmentURL: strings.TrimRight(getEnv("SIM_APPOINTMENT_URL", "http://localhost:8080"), "/"),
		BillingURL:     strings.TrimRight(getEnv("SIM_BILLING_URL", "http://localhost:8082"), "/"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.4),
		UpdateRatio:    getFloat("SIM_UPDATE_RATIO", 0.1),
		CancelRatio:    getFloat("SIM_CANCEL_RATIO", 0.05),
		PaymentRatio:   getFloat("SIM_PAYMENT_RATIO", 0.2),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.25),
		DoctorIDs:      getIDs("SIM_DOCTOR_IDS", []int64{1, 2, 3}),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.UpdateRatio + cfg.CancelRatio + cfg.PaymentRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.UpdateRatio /= total
		cfg.CancelRatio /= total
		cfg.PaymentRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if len(cfg.DoctorIDs) == 0 {
		return fmt.Errorf("SIM_DOCTOR_IDS must list at least one doctor")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < c.BookingRatio:
				s.doBooking(ctx, rng)
			case r < c.BookingRatio+c.UpdateRatio:
				s.doUpdate(ctx, rng)
			case r < c.BookingRatio+c.UpdateRatio+c.CancelRatio:
				s.doCancel(ctx, rng)
			case r < c.BookingRatio+c.UpdateRatio+c.CancelRatio+c.PaymentRatio:
				s.doPayment(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadAppointment(ctx, rng)
				} else {
					s.doListInvoices(ctx, rng)
				}
			}
		}
	}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (s *Simulator) do(ctx context.Context, method, target string, body, out any) (int, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	first, last := gofakeit.FirstName(), gofakeit.LastName()
	email := strings.ToLower(fmt.Sprintf("%s.%s.%d@example.com", first, last, rng.Intn(100000)))

	reqBody := map[string]any{
		"doctor_id":          s.config.DoctorIDs[rng.Intn(len(s.config.DoctorIDs))],
		"patient_last_name":  last,
		"patient_first_name": first,
		"patient_email":      email,
		"patient_phone":      gofakeit.Phone(),
		"scheduled_at":       futureSlot(rng).Format(time.RFC3339),
		"reason":             gofakeit.Sentence(6),
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.do(ctx, http.MethodPost, s.config.AppointmentURL+"/appointments", reqBody, &created)

	success := err == nil && status == http.StatusCreated
	if success && created.ID != uuid.Nil {
		s.pool.AddAppointment(bookedAppointment{ID: created.ID, Email: email})
	}

	s.metrics.Booking.Record(latency, success, false)
}

func (s *Simulator) doUpdate(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	reqBody := map[string]any{
		"scheduled_at": futureSlot(rng).Format(time.RFC3339),
		"reason":       gofakeit.Sentence(4),
	}
	status, latency, err := s.do(ctx, http.MethodPut,
		fmt.Sprintf("%s/appointments/%s", s.config.AppointmentURL, appt.ID), reqBody, nil)

	// a concurrent cancel may have removed it
	s.metrics.Update.Record(latency, err == nil && status == http.StatusOK, status == http.StatusNotFound)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.TakeRandomAppointment(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodDelete,
		fmt.Sprintf("%s/appointments/%s", s.config.AppointmentURL, appt.ID), nil, nil)

	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusNoContent, status == http.StatusNotFound)
}

func (s *Simulator) doPayment(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	var invoices []struct {
		ID     uuid.UUID `json:"id"`
		Total  string    `json:"total"`
		Status string    `json:"status"`
	}
	if _, _, err := s.do(ctx, http.MethodGet,
		s.config.BillingURL+"/invoices?patient_email="+url.QueryEscape(appt.Email), nil, &invoices); err != nil || len(invoices) == 0 {
		// the billing consumer may not have caught up yet
		return
	}
	inv := invoices[0]
	if inv.Status == "PAID" || inv.Status == "CANCELLED" {
		return
	}

	total, err := strconv.ParseFloat(inv.Total, 64)
	if err != nil || total <= 0 {
		return
	}
	amount := total
	if rng.Intn(3) == 0 {
		amount = gofakeit.Price(1, total)
	}

	reqBody := map[string]any{
		"invoice_id":     inv.ID.String(),
		"amount":         fmt.Sprintf("%.2f", amount),
		"payment_method": []string{"CARD", "CASH", "TRANSFER"}[rng.Intn(3)],
	}
	status, latency, err := s.do(ctx, http.MethodPost, s.config.BillingURL+"/payments", reqBody, nil)

	s.metrics.Payment.Record(latency, err == nil && status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doReadAppointment(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/appointments/%s", s.config.AppointmentURL, appt.ID), nil, nil)

	s.metrics.ReadAppointment.Record(latency, err == nil && status == http.StatusOK, status == http.StatusNotFound)
}

func (s *Simulator) doListInvoices(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodGet,
		s.config.BillingURL+"/invoices?patient_email="+url.QueryEscape(appt.Email), nil, nil)

	s.metrics.ListInvoices.Record(latency, err == nil && status == http.StatusOK, false)
}

// futureSlot returns a quarter-hour slot in the next 30 days.
func futureSlot(rng *rand.Rand) time.Time {
	day := time.Now().Add(24 * time.Hour).Truncate(24 * time.Hour)
	return day.Add(time.Duration(rng.Intn(30)) * 24 * time.Hour).
		Add(time.Duration(8*4+rng.Intn(40)) * 15 * time.Minute)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Update", &s.metrics.Update)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Payment", &s.metrics.Payment)
	printOperationReport("Read appointment", &s.metrics.ReadAppointment)
	printOperationReport("List invoices", &s.metrics.ListInvoices)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

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

func getIDs(key string, def []int64) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
