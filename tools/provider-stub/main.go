// Command provider-stub accepts SMS provider calls for local testing.
//
// Point the service at it with PROVIDER_BASE_URL=http://localhost:8090.
// Set FAIL_STATUS to answer every send with that status code.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type request struct {
	Timestamp string `json:"timestamp"`
	Provider  string `json:"provider"`
	Path      string `json:"path"`
	Auth      string `json:"auth,omitempty"`
	Body      string `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	lastRequests []request
	since        time.Time
	maxStored    = 50
	failStatus   int
)

func main() {
	since = time.Now().UTC()

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 400 {
			log.Fatalf("provider-stub: FAIL_STATUS must be an HTTP error status, got %q", v)
		}
		failStatus = n
	}

	http.HandleFunc("/reluzcap/wsreluzcap.asmx/EnviaSMS", twwHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	// Sinch: POST /{plan}/batches
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/batches") {
			sinchHandler(w, r)
			return
		}
		http.NotFound(w, r)
	})

	log.Printf("provider-stub listening on %s (fail_status=%d)", addr, failStatus)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func sinchHandler(w http.ResponseWriter, r *http.Request) {
	n, ok := record(w, r, "sinch-sms")
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"id":"stub-batch-%d"}`, n)
}

func twwHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := record(w, r, "tww-sms"); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// record stores the request and writes the configured failure, if any.
func record(w http.ResponseWriter, r *http.Request, provider string) (int64, bool) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	req := request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Provider:  provider,
		Path:      r.URL.Path,
		Auth:      r.Header.Get("Authorization"),
		Body:      string(body),
	}

	mu.Lock()
	count++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("%s request #%d: %s", provider, current, string(body))

	if failStatus != 0 {
		http.Error(w, `{"error":"stubbed failure"}`, failStatus)
		return current, false
	}
	return current, true
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
