package sink

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeSink struct {
	name   string
	err    error
	got    []string
	closed int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Publish(ctx context.Context, measurement, field string, value float64) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, measurement+"/"+field+"="+strconv.FormatFloat(value, 'f', -1, 64))
	return nil
}

func (f *fakeSink) Close() error {
	f.closed++
	return nil
}

func fixedClock() func() time.Time {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestMultiFansOut(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b", err: errors.New("unreachable")}
	c := &fakeSink{name: "c"}
	m := Multi{a, b, c}

	err := m.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50)
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Sink != "b" {
		t.Fatalf("err=%v, want PublishError from b", err)
	}
	if len(a.got) != 1 || len(c.got) != 1 {
		t.Fatalf("healthy sinks got a=%v c=%v", a.got, c.got)
	}
	if a.got[0] != "obd2/S01PID0D_VehicleSpeed=50" {
		t.Fatalf("a got %q", a.got[0])
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}
	if a.closed != 1 || b.closed != 1 || c.closed != 1 {
		t.Fatalf("close counts a=%d b=%d c=%d", a.closed, b.closed, c.closed)
	}
}

func TestCSVWritesAndRotates(t *testing.T) {
	log, _ := test.NewNullLogger()
	dir := t.TempDir()
	s := NewCSV(CSVConfig{Path: dir, MaxRows: 2}, log)
	s.now = fixedClock()

	for i := 0; i < 3; i++ {
		if err := s.Publish(context.Background(), "obd2", "S01PID0C_EngineRPM", 812.25); err != nil {
			t.Fatalf("Publish err=%v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "obd2_*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("first file has %d rows, want header + 2", len(rows))
	}
	if strings.Join(rows[0], ",") != "timestamp,measurement,field,value" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "2024-05-01T12:00:00Z" || rows[1][2] != "S01PID0C_EngineRPM" || rows[1][3] != "812.25" {
		t.Fatalf("row = %v", rows[1])
	}
}

func TestSQLiteAppends(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "obd2.db")
	s, err := NewSQLite(SQLiteConfig{Path: path}, log)
	if err != nil {
		t.Fatalf("NewSQLite err=%v", err)
	}
	s.now = fixedClock()

	if err := s.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50); err != nil {
		t.Fatalf("Publish err=%v", err)
	}
	if err := s.Publish(context.Background(), "obd2", "S01PID11_ThrottlePosition", 12.5); err != nil {
		t.Fatalf("Publish err=%v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}
	if err := s.Publish(context.Background(), "obd2", "x", 1); err == nil {
		t.Fatalf("Publish after Close should fail")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	var ts string
	var v float64
	if err := db.QueryRow(`SELECT timestamp, value FROM samples WHERE field = ?`, "S01PID11_ThrottlePosition").Scan(&ts, &v); err != nil {
		t.Fatal(err)
	}
	if ts != "2024-05-01 12:00:00.000" || v != 12.5 {
		t.Fatalf("row = %s %v", ts, v)
	}
}

func TestInfluxWritesLineProtocol(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.Header().Set("X-Influxdb-Version", "1.8.10")
			w.WriteHeader(http.StatusNoContent)
		case "/write":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			query = r.URL.Query()
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	log, _ := test.NewNullLogger()
	s, err := NewInflux(InfluxConfig{
		Host:     u.Hostname(),
		Port:     port,
		Username: "logger",
		Password: "password",
		Database: "logger_db",
	}, log)
	if err != nil {
		t.Fatalf("NewInflux err=%v", err)
	}
	defer s.Close()
	s.now = fixedClock()

	if err := s.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50); err != nil {
		t.Fatalf("Publish err=%v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("writes = %d, want 1", len(bodies))
	}
	if !strings.HasPrefix(bodies[0], "obd2 S01PID0D_VehicleSpeed=50 ") {
		t.Fatalf("body = %q", bodies[0])
	}
	if query.Get("db") != "logger_db" {
		t.Fatalf("db = %q", query.Get("db"))
	}
}

func TestInfluxPublishFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"database not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	log, _ := test.NewNullLogger()
	s, err := NewInflux(InfluxConfig{Host: u.Hostname(), Port: port, Database: "missing"}, log)
	if err != nil {
		t.Fatalf("NewInflux err=%v", err)
	}
	defer s.Close()

	err = s.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50)
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Sink != "influx" {
		t.Fatalf("err=%v, want PublishError", err)
	}
}

func TestNewInfluxRequiresDatabase(t *testing.T) {
	log, _ := test.NewNullLogger()
	if _, err := NewInflux(InfluxConfig{Host: "localhost"}, log); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestHistoryKey(t *testing.T) {
	if got := historyKey("obd2", "S01PID0C_EngineRPM"); got != "obd2:S01PID0C_EngineRPM:history" {
		t.Fatalf("historyKey = %q", got)
	}
}

func TestRedisPublishesAndTrimsHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()

	r, err := NewRedis(RedisConfig{Addr: mr.Addr(), Channel: "obd2", HistoryLen: 2}, log)
	if err != nil {
		t.Fatalf("NewRedis err=%v", err)
	}
	defer r.Close()
	r.now = fixedClock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a second client stands in for a live consumer
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	ps := rc.Subscribe(ctx, "obd2")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msgs := ps.Channel()

	for _, v := range []float64{800, 812.25, 825.5} {
		if err := r.Publish(ctx, "obd2", "S01PID0C_EngineRPM", v); err != nil {
			t.Fatalf("Publish err=%v", err)
		}
	}

	for i, want := range []float64{800, 812.25, 825.5} {
		var m *redis.Message
		select {
		case m = <-msgs:
		case <-ctx.Done():
			t.Fatalf("message %d not received", i)
		}
		var rec record
		if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
			t.Fatalf("payload %q: %v", m.Payload, err)
		}
		if rec.Measurement != "obd2" || rec.Field != "S01PID0C_EngineRPM" || rec.Value != want {
			t.Fatalf("message %d = %+v", i, rec)
		}
		if !rec.Time.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
			t.Fatalf("message %d time = %v", i, rec.Time)
		}
	}

	hist, err := mr.List("obd2:S01PID0C_EngineRPM:history")
	if err != nil {
		t.Fatalf("List err=%v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history has %d entries, want 2: %v", len(hist), hist)
	}
	// newest first
	if !strings.Contains(hist[0], `"value":825.5`) || !strings.Contains(hist[1], `"value":812.25`) {
		t.Fatalf("history = %v", hist)
	}
}

func TestRedisHistoryDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()

	r, err := NewRedis(RedisConfig{Addr: mr.Addr()}, log)
	if err != nil {
		t.Fatalf("NewRedis err=%v", err)
	}
	defer r.Close()

	if err := r.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50); err != nil {
		t.Fatalf("Publish err=%v", err)
	}
	if mr.Exists("obd2:S01PID0D_VehicleSpeed:history") {
		t.Fatalf("history written with HistoryLen 0")
	}
}

func TestRedisPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()

	r, err := NewRedis(RedisConfig{Addr: mr.Addr(), HistoryLen: 10}, log)
	if err != nil {
		t.Fatalf("NewRedis err=%v", err)
	}
	defer r.Close()

	mr.SetError("ERR server unavailable")
	err = r.Publish(context.Background(), "obd2", "S01PID0D_VehicleSpeed", 50)
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Sink != "redis" {
		t.Fatalf("err=%v, want PublishError from redis", err)
	}
}
