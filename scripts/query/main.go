package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/query"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

func main() {
	// Define command-line flags
	mode := flag.String("mode", "api", "Query mode: 'api' to query via the history API, 'direct' to query ClickHouse directly.")
	op := flag.String("op", "summary", "Query: 'summary', 'events' or 'trace'.")
	apiURL := flag.String("url", "http://localhost:8091", "History API base URL.")
	configPath := flag.String("config", "configs/config.yaml", "Configuration file, used by direct mode.")
	source := flag.String("source", "", "Source address for events and trace.")
	slice := flag.String("slice", "", "Restrict to one slice.")
	kinds := flag.String("kinds", "", "Comma separated event kinds.")
	limit := flag.Int("limit", 20, "Maximum number of events.")
	since := flag.Duration("since", 24*time.Hour, "Look back this far.")
	flag.Parse()

	from := time.Now().UTC().Add(-*since)
	var (
		path string
		req  any
	)
	switch *op {
	case "summary":
		path, req = "/api/v1/events/summary", query.SummaryRequest{Since: from, Slice: *slice}
	case "events":
		r := query.EventsRequest{Source: *source, Slice: *slice, Since: from, Limit: *limit}
		if *kinds != "" {
			r.Kinds = strings.Split(*kinds, ",")
		}
		path, req = "/api/v1/events", r
	case "trace":
		if *source == "" {
			log.Fatal("Error: -source flag is required for trace")
		}
		path, req = "/api/v1/flows/trace", query.TraceRequest{Source: *source}
	default:
		log.Fatalf("Invalid op: %s. Use 'summary', 'events' or 'trace'.", *op)
	}

	log.Printf("Running '%s' in '%s' mode.", *op, *mode)

	switch *mode {
	case "api":
		queryViaAPI(*apiURL+path, req)
	case "direct":
		directQueryClickHouse(*configPath, req)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

// --- API Query Logic ---
func queryViaAPI(url string, reqBody any) {
	jsonReqBody, err := json.Marshal(reqBody)
	if err != nil {
		log.Fatalf("Error marshalling request body: %v", err)
	}

	log.Printf("Sending request to %s with body:\n%s\n", url, string(jsonReqBody))

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(jsonReqBody))
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}

	log.Println("---")
	fmt.Println(prettyJSON.String())
}

// --- Direct ClickHouse Query Logic ---
func directQueryClickHouse(configPath string, req any) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	querier, err := query.NewClickHouseQuerier(cfg.Storage.Audit.ClickHouse)
	if err != nil {
		log.Fatalf("Error connecting to ClickHouse: %v", err)
	}
	log.Println("Successfully connected to ClickHouse.")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result any
	switch r := req.(type) {
	case query.SummaryRequest:
		result, err = querier.EventSummary(ctx, r)
	case query.EventsRequest:
		result, err = querier.Events(ctx, r)
	case query.TraceRequest:
		result, err = querier.TraceFlow(ctx, r)
	}
	if err != nil {
		log.Fatalf("Error executing query: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding result: %v", err)
	}
	log.Println("--- Query Results (Direct) ---")
	fmt.Println(string(out))
}
