package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

const (
	simulationDuration = 5 * time.Minute
	injectionInterval  = 5 * time.Second
)

var taskTypes = []string{"embed_text", "embed_image", "embed_video", "preprocess_media", "segment_video"}

type submitRequest struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
}

func main() {
	baseURL := os.Getenv("MSEARCH_API")
	if baseURL == "" {
		baseURL = "http://localhost:8650"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	if _, err := client.Get(baseURL + "/health"); err != nil {
		log.Fatal("Scheduler unreachable (ensure it is running): ", err)
	}

	fmt.Println("🚀 Starting 5-minute Traffic Simulation...")
	fmt.Println("   Injecting media tasks against", baseURL)

	endTime := time.Now().Add(simulationDuration)
	ticker := time.NewTicker(injectionInterval)
	defer ticker.Stop()

	// Print scheduler stats in background
	go monitorStats(client, baseURL)

	fileCount := 0

	for range ticker.C {
		if time.Now().After(endTime) {
			fmt.Println("\n✅ Simulation Complete.")
			return
		}

		// Each burst models one discovered media file: preprocessing plus
		// one or more embedding passes sharing the same file_id.
		burst := rand.Intn(3) + 1
		fmt.Printf("\n[Generator] Injecting %d file cohorts...\n", burst)

		for i := 0; i < burst; i++ {
			fileCount++
			fileID := fmt.Sprintf("sim-file-%d", fileCount)
			priority := rand.Intn(10)

			cohort := []string{"preprocess_media", taskTypes[rand.Intn(3)]}
			if rand.Float64() < 0.3 {
				cohort = append(cohort, "segment_video")
			}

			for _, taskType := range cohort {
				submit(client, baseURL, submitRequest{
					Type:     taskType,
					Payload:  map[string]any{"file_id": fileID, "path": "/library/" + fileID},
					Priority: priority,
				})
			}
		}
	}
}

func submit(client *http.Client, baseURL string, req submitRequest) {
	body, _ := json.Marshal(req)
	resp, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("  ✗ submit %s failed: %v\n", req.Type, err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("  → %s (prio %d, %s)\n", req.Type, req.Priority, req.Payload["file_id"])
	case http.StatusTooManyRequests:
		fmt.Printf("  ⏳ %s rejected: queue full, backing off\n", req.Type)
		time.Sleep(time.Second)
	default:
		fmt.Printf("  ✗ submit %s: status %d\n", req.Type, resp.StatusCode)
	}
}

func monitorStats(client *http.Client, baseURL string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		resp, err := client.Get(baseURL + "/api/v1/stats")
		if err != nil {
			continue
		}
		var stats struct {
			Tasks struct {
				Total     int `json:"total"`
				Pending   int `json:"pending"`
				Running   int `json:"running"`
				Completed int `json:"completed"`
				Failed    int `json:"failed"`
				Cancelled int `json:"cancelled"`
			} `json:"tasks"`
			BatchSize int `json:"batch_size"`
		}
		json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()

		fmt.Printf("\n[Stats] total=%d pending=%d running=%d completed=%d failed=%d cancelled=%d batch=%d\n",
			stats.Tasks.Total, stats.Tasks.Pending, stats.Tasks.Running,
			stats.Tasks.Completed, stats.Tasks.Failed, stats.Tasks.Cancelled, stats.BatchSize)
	}
}
