// Command loadtest drives the relay with paired speakers and listeners and
// reports end-to-end translation latency and, given a reference, WER.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-relay/internal/audio"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/ws", "relay WebSocket URL")
	rooms := flag.Int("rooms", 10, "number of concurrent rooms, one speaker and one listener each")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample WAV files")
	source := flag.String("source", "hi", "speaker language")
	target := flag.String("target", "en", "listener language")
	reference := flag.String("reference", "", "expected translated text; enables WER")
	timeout := flag.Duration("timeout", 30*time.Second, "per-utterance result timeout")
	flag.Parse()

	applog.Init(applog.Config{Level: "info", Pretty: true, ServiceName: "loadtest"})
	log := applog.L()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		log.Warn().Str("dir", *audioDir).Msg("no audio files, generating synthetic audio")
		files = nil
	}

	fmt.Printf("Load test: %d rooms for %s\n", *rooms, *duration)
	fmt.Printf("Relay: %s | %s -> %s\n\n", *url, *source, *target)

	var (
		mu      sync.Mutex
		results []callResult
		wg      sync.WaitGroup
	)
	deadline := time.Now().Add(*duration)
	cfg := roomConfig{url: *url, source: *source, target: *target, reference: *reference, timeout: *timeout}

	for range *rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, err := runRoom(cfg, files, deadline)
			if err != nil {
				log.Error().Err(err).Msg("room failed")
				rs = append(rs, callResult{err: err.Error()})
			}
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}()
	}

	wg.Wait()
	printSummary(results, *reference != "")
}

type roomConfig struct {
	url       string
	source    string
	target    string
	reference string
	timeout   time.Duration
}

type callResult struct {
	success   bool
	latencyMs float64
	wer       float64
	err       string
}

type event struct {
	Type           string `json:"type"`
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
	Message        string `json:"message"`
}

// runRoom joins a speaker and a listener to a fresh room and sends one
// utterance at a time until deadline, timing each from send to the
// listener's translation_result.
func runRoom(cfg roomConfig, files []string, deadline time.Time) ([]callResult, error) {
	roomID := "load-" + uuid.NewString()

	speaker, err := join(cfg.url, roomID, cfg.source, cfg.target)
	if err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	defer speaker.Close()
	listener, err := join(cfg.url, roomID, cfg.target, cfg.source)
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}
	defer listener.Close()

	results := make(chan event, 1)
	failures := make(chan event, 1)
	go readEvents(listener, "translation_result", results)
	go readEvents(speaker, "translation_error", failures)

	var out []callResult
	for time.Now().Before(deadline) {
		msg, _ := json.Marshal(map[string]string{
			"type":           "audio_for_translation",
			"roomId":         roomID,
			"sourceLanguage": cfg.source,
			"targetLanguage": cfg.target,
			"audioData":      base64.StdEncoding.EncodeToString(getAudioData(files)),
		})
		start := time.Now()
		if err = speaker.WriteMessage(websocket.TextMessage, msg); err != nil {
			return append(out, callResult{err: fmt.Sprintf("send audio: %v", err)}), nil
		}

		select {
		case ev, ok := <-results:
			if !ok {
				return append(out, callResult{err: "listener closed"}), nil
			}
			r := callResult{success: true, latencyMs: float64(time.Since(start).Milliseconds())}
			if cfg.reference != "" {
				r.wer = ComputeWER(cfg.reference, ev.TranslatedText)
			}
			out = append(out, r)
		case ev, ok := <-failures:
			if !ok {
				return append(out, callResult{err: "speaker closed"}), nil
			}
			out = append(out, callResult{err: "translation_error: " + ev.Error})
		case <-time.After(cfg.timeout):
			out = append(out, callResult{err: "timeout"})
		}
	}
	return out, nil
}

func join(url, roomID, userLang, targetLang string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	msg, _ := json.Marshal(map[string]string{
		"type":           "join_room",
		"roomId":         roomID,
		"userLanguage":   userLang,
		"targetLanguage": targetLang,
	})
	if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev event
		if err = conn.ReadJSON(&ev); err != nil {
			conn.Close()
			return nil, fmt.Errorf("await join: %w", err)
		}
		if ev.Type == "room_joined" {
			conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
		if ev.Type == "error" {
			conn.Close()
			return nil, fmt.Errorf("join rejected: %s", ev.Message)
		}
	}
}

// readEvents forwards events of type want until the connection fails.
func readEvents(conn *websocket.Conn, want string, out chan<- event) {
	defer close(out)
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type == want {
			out <- ev
		}
	}
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	const sampleRate = 16000
	samples := make([]float32, int(dur.Seconds()*sampleRate))
	for i := range samples {
		t := float64(i) / sampleRate
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.SamplesToWAV(samples, sampleRate)
}

func findAudioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []callResult, withWER bool) {
	var (
		succeeded, failed int
		latencies, wers   []float64
		errs              = map[string]int{}
	)
	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		latencies = append(latencies, r.latencyMs)
		wers = append(wers, r.wer)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Utterances delivered: %d\n", succeeded)
	fmt.Printf("Utterances failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(latencies) == 0 {
		fmt.Println("No successful utterances to report")
		return
	}

	fmt.Printf("\n%-6s %8s %8s %8s\n", "", "p50", "p95", "p99")
	fmt.Printf("%-6s %8.0fms %8.0fms %8.0fms\n", "E2E", percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99))
	if withWER {
		fmt.Printf("%-6s %8.2f %8.2f %8.2f\n", "WER", percentile(wers, 50), percentile(wers, 95), percentile(wers, 99))
	}
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	idx = max(idx, 0)
	idx = min(idx, len(data)-1)
	return data[idx]
}
