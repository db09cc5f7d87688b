package cds

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/atmoslab/era-fetcher/internal/plan"
	"github.com/atmoslab/era-fetcher/internal/product"
)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:         baseURL,
		Token:           "secret-token",
		Timeout:         5 * time.Second,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
	}
}

func testSpec() plan.ChunkSpec {
	return plan.ChunkSpec{
		ID:        "surface_an-20160801-20160803",
		Product:   "surface_an",
		Dataset:   "reanalysis-era5-single-levels",
		Start:     time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2016, 8, 3, 0, 0, 0, 0, time.UTC),
		Variables: []string{"land_sea_mask", "low_cloud_cover"},
		Times:     []string{"00:00", "12:00"},
		Area:      product.Area{North: 55, West: 0, South: 50, East: 10},
		Grid:      product.DefaultGrid(),
		Format:    "netcdf",
	}
}

func TestSubmitPollFetchFlow(t *testing.T) {
	var polls atomic.Int32
	payload := []byte("netcdf bytes for the chunk")

	mux := http.NewServeMux()
	var serverURL string

	mux.HandleFunc("/processes/reanalysis-era5-single-levels/execution", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("PRIVATE-TOKEN") != "secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body executeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Inputs["date"] != "2016-08-01/2016-08-03" {
			t.Errorf("date input = %v", body.Inputs["date"])
		}
		if body.Inputs["data_format"] != "netcdf" {
			t.Errorf("data_format input = %v", body.Inputs["data_format"])
		}
		if _, ok := body.Inputs["pressure_level"]; ok {
			t.Error("single level request should not carry pressure_level")
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "accepted"})
	})

	mux.HandleFunc("/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) > 1 {
			status = "successful"
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": status})
	})

	mux.HandleFunc("/jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"asset": map[string]any{
				"value": map[string]any{
					"href":          serverURL + "/download/job-1",
					"file:size":     len(payload),
					"file:checksum": "sha256:irrelevant-here",
					"type":          "application/netcdf",
				},
			},
		})
	})

	mux.HandleFunc("/download/job-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != "" {
			t.Error("token leaked to presigned asset URL")
		}
		w.Write(payload)
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	client := NewClient(testOptions(server.URL))
	ctx := context.Background()

	handle, info, err := client.Submit(ctx, testSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "job-1" {
		t.Errorf("handle = %q", handle)
	}
	if info.Status != JobQueued {
		t.Errorf("initial status = %s, want queued", info.Status)
	}

	if info, err = client.Poll(ctx, handle); err != nil || info.Status != JobRunning {
		t.Fatalf("first poll = %v, %v, want running", info.Status, err)
	}
	if info, err = client.Poll(ctx, handle); err != nil || info.Status != JobCompleted {
		t.Fatalf("second poll = %v, %v, want completed", info.Status, err)
	}

	body, dl, err := client.Fetch(ctx, handle)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
	if dl.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", dl.Size, len(payload))
	}
	if dl.Gzip {
		t.Error("plain payload flagged as gzip")
	}
}

func TestSubmitCarriesPressureLevels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body executeRequest
		json.NewDecoder(r.Body).Decode(&body)
		levels, ok := body.Inputs["pressure_level"].([]any)
		if !ok || len(levels) != 3 {
			t.Errorf("pressure_level input = %v", body.Inputs["pressure_level"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "accepted"})
	}))
	defer server.Close()

	spec := testSpec()
	spec.Dataset = "reanalysis-era5-pressure-levels"
	spec.Levels = []int{500, 750, 1000}

	client := NewClient(testOptions(server.URL))
	if _, _, err := client.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitRejectionIsPersistent(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("invalid request parameters"))
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL))
	_, _, err := client.Submit(context.Background(), testSpec())
	if !errors.Is(err, ErrPersistent) {
		t.Fatalf("got %v, want ErrPersistent", err)
	}
	if requests.Load() != 1 {
		t.Errorf("client retried a 422, %d requests", requests.Load())
	}

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatal("error should carry RemoteError detail")
	}
	if remote.Status != http.StatusUnprocessableEntity || remote.Body != "invalid request parameters" {
		t.Errorf("RemoteError = %+v", remote)
	}
}

func TestPollRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "successful"})
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL))
	info, err := client.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if info.Status != JobCompleted {
		t.Errorf("status = %s", info.Status)
	}
	if requests.Load() != 3 {
		t.Errorf("requests = %d, want 3", requests.Load())
	}
}

func TestPollEvictedJobIsNotFound(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL))
	_, err := client.Poll(context.Background(), "gone-job")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
	if requests.Load() != 1 {
		t.Errorf("client retried a 404, %d requests", requests.Load())
	}
}

func TestExhaustedRetriesAreTransient(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL))
	_, err := client.Poll(context.Background(), "job-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("got %v, want ErrTransient", err)
	}
	if requests.Load() != 3 {
		t.Errorf("requests = %d, want RetryAttempts+1 = 3", requests.Load())
	}
}

func TestFetchGzipPayload(t *testing.T) {
	plain := []byte("gridded fields, compressed in flight")

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"asset": map[string]any{
				"value": map[string]any{
					"href":      serverURL + "/download/job-1",
					"file:size": len(plain),
				},
			},
		})
	})
	mux.HandleFunc("/download/job-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			t.Error("download request does not advertise gzip")
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write(plain)
		gz.Close()
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	client := NewClient(testOptions(server.URL))
	body, dl, err := client.Fetch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer body.Close()

	if !dl.Gzip {
		t.Fatal("gzip response not flagged")
	}

	// The body must arrive still compressed, decompression is the
	// sink's job.
	gz, err := gzip.NewReader(body)
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if string(got) != string(plain) {
		t.Errorf("payload = %q", got)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		remote  string
		want    JobStatus
		wantErr bool
	}{
		{"accepted", JobQueued, false},
		{"queued", JobQueued, false},
		{"running", JobRunning, false},
		{"successful", JobCompleted, false},
		{"failed", JobFailed, false},
		{"dismissed", JobFailed, false},
		{"resurrected", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			got, err := statusFromRemote(tt.remote)
			if tt.wantErr {
				if !errors.Is(err, ErrPersistent) {
					t.Errorf("statusFromRemote(%q) err = %v, want ErrPersistent", tt.remote, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("statusFromRemote(%q) = %v, %v", tt.remote, got, err)
			}
		})
	}
}
