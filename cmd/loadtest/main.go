package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
)

const frameDuration = 20 * time.Millisecond

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws/voice", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample WAV files for the interruption")
	prompt := flag.String("prompt", "Tell me a long story about a lighthouse keeper.", "text message that starts each reply")
	device := flag.String("device", "headset", "device reported in session.init")
	bargeAfter := flag.Duration("barge-after", 500*time.Millisecond, "AI audio to hear before interrupting")
	bargeFor := flag.Duration("barge-for", 600*time.Millisecond, "length of the interrupting speech")
	manual := flag.Bool("manual", false, "interrupt with barge_in instead of speech")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic speech\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Device: %s | Barge after %s for %s (manual=%v)\n\n", *gateway, *device, *bargeAfter, *bargeFor, *manual)

	var mu sync.Mutex
	var results []sessionResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)
	opts := runOptions{
		gateway:    *gateway,
		prompt:     *prompt,
		device:     *device,
		bargeAfter: *bargeAfter,
		bargeFor:   *bargeFor,
		manual:     *manual,
		files:      files,
	}

	for i := range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := 0; time.Now().Before(deadline); n++ {
				r := runSession(opts, fmt.Sprintf("loadtest-%d-%d", i, n))
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type runOptions struct {
	gateway    string
	prompt     string
	device     string
	bargeAfter time.Duration
	bargeFor   time.Duration
	manual     bool
	files      []string
}

type sessionResult struct {
	success        bool
	readyMs        float64
	firstAudioMs   float64
	muteMs         float64 // interruption start to the audio.control ramp
	classifyMs     float64 // interruption start to barge_in.event
	classification string
	err            string
}

// client wraps one connection with a reader goroutine.
type client struct {
	conn   *websocket.Conn
	frames chan protocol.Envelope
	errc   chan error
}

func dial(gateway, userID, device string) (*client, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("device", device)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	c := &client{conn: conn, frames: make(chan protocol.Envelope, 1024), errc: make(chan error, 1)}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errc <- err
			close(c.frames)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.frames <- env
	}
}

func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// await returns the first frame of type typ. Error frames that are not
// recoverable end the wait.
func (c *client) await(typ string, timeout time.Duration) (protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return protocol.Envelope{}, fmt.Errorf("connection closed: %v", <-c.errc)
			}
			if env.Type == typ {
				return env, nil
			}
			if env.Type == protocol.TypeError && env.Recoverable != nil && !*env.Recoverable {
				return env, fmt.Errorf("server error %s: %s", env.Code, env.Message)
			}
		case <-timer.C:
			return protocol.Envelope{}, fmt.Errorf("timed out waiting for %s", typ)
		}
	}
}

func (c *client) close() {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func runSession(o runOptions, userID string) sessionResult {
	start := time.Now()
	c, err := dial(o.gateway, userID, o.device)
	if err != nil {
		return sessionResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer c.close()

	var r sessionResult
	if _, err := c.await(protocol.TypeSessionReady, 5*time.Second); err != nil {
		return sessionResult{err: err.Error()}
	}
	r.readyMs = msSince(start)

	err = c.send(map[string]any{
		"type":            protocol.TypeSessionInit,
		"conversation_id": userID,
		"consent":         protocol.ConsentBasic,
		"voice_settings":  map[string]string{"language": "en", "device": o.device},
	})
	if err != nil {
		return sessionResult{err: fmt.Sprintf("send init: %v", err)}
	}
	if _, err := c.await(protocol.TypeSessionInitAck, 5*time.Second); err != nil {
		return sessionResult{err: err.Error()}
	}

	asked := time.Now()
	if err := c.send(map[string]string{"type": protocol.TypeMessage, "content": o.prompt}); err != nil {
		return sessionResult{err: fmt.Sprintf("send message: %v", err)}
	}
	if _, err := c.await(protocol.TypeAudioOutput, 30*time.Second); err != nil {
		return sessionResult{err: err.Error()}
	}
	r.firstAudioMs = msSince(asked)
	time.Sleep(o.bargeAfter)

	bargeStart := time.Now()
	if o.manual {
		err = c.send(map[string]string{"type": protocol.TypeBargeIn})
	} else {
		err = sendSpeech(c, speechAudio(o.files, o.bargeFor))
	}
	if err != nil {
		return sessionResult{err: fmt.Sprintf("interrupt: %v", err)}
	}

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return sessionResult{err: fmt.Sprintf("connection closed: %v", <-c.errc)}
			}
			switch {
			case env.Type == protocol.TypeAudioControl && env.Action == protocol.AudioRamp && r.muteMs == 0 &&
				env.Gain != nil && *env.Gain == 0:
				r.muteMs = msSince(bargeStart)
			case env.Type == protocol.TypeBargeInEvent:
				r.classifyMs = msSince(bargeStart)
				r.classification = env.Classification
				r.success = true
				return r
			}
		case <-deadline.C:
			return sessionResult{err: "no barge_in.event after interruption"}
		}
	}
}

// sendSpeech streams pcm as 20ms audio.input frames in real time, with a
// client VAD hint on every frame.
func sendSpeech(c *client, pcm []byte) error {
	for _, frame := range audio.SplitPCM16(pcm, audio.InputSampleRate, frameDuration) {
		err := c.send(map[string]any{
			"type":  protocol.TypeAudioInput,
			"audio": base64.StdEncoding.EncodeToString(frame),
			"vad":   protocol.VADHint{Confidence: 0.9, IsSpeaking: true, TimestampMs: time.Now().UnixMilli()},
		})
		if err != nil {
			return err
		}
		time.Sleep(frameDuration)
	}
	return c.send(map[string]any{
		"type":         protocol.TypeAudioInputVAD,
		"confidence":   0.05,
		"is_speaking":  false,
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func speechAudio(files []string, d time.Duration) []byte {
	n := audio.PCM16Bytes(d, audio.InputSampleRate)
	if len(files) > 0 {
		if pcm, err := loadWAV(files[rand.Intn(len(files))]); err == nil && len(pcm) > 0 {
			return pcm[:min(n, len(pcm))]
		}
	}
	return generateSyntheticSpeech(d)
}

func loadWAV(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := audio.ParseWAV(data)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != audio.InputSampleRate {
		return audio.ResamplePCM16(info.PCM, info.SampleRate, audio.InputSampleRate), nil
	}
	return info.PCM, nil
}

// generateSyntheticSpeech is a voiced tone with a wobbling pitch, loud
// enough for the server VAD.
func generateSyntheticSpeech(d time.Duration) []byte {
	rate := float64(audio.InputSampleRate)
	samples := make([]float32, int(d.Seconds()*rate))
	for i := range samples {
		t := float64(i) / rate
		f0 := 160 + 30*math.Sin(2*math.Pi*3*t)
		v := 0.3*math.Sin(2*math.Pi*f0*t) + 0.1*math.Sin(4*math.Pi*f0*t) + (rand.Float64()-0.5)*0.05
		samples[i] = float32(v)
	}
	return audio.EncodePCM16(samples)
}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

func printSummary(results []sessionResult) {
	var succeeded, failed int
	var readyAll, firstAll, muteAll, classifyAll []float64
	classes := map[string]int{}
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		readyAll = append(readyAll, r.readyMs)
		firstAll = append(firstAll, r.firstAudioMs)
		if r.muteMs > 0 {
			muteAll = append(muteAll, r.muteMs)
		}
		classifyAll = append(classifyAll, r.classifyMs)
		classes[r.classification]++
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Sessions completed: %d\n", succeeded)
	fmt.Printf("Sessions failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(readyAll) == 0 {
		fmt.Println("No successful sessions to report metrics")
		return
	}

	fmt.Printf("\n%-10s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	row := func(name string, data []float64) {
		if len(data) == 0 {
			return
		}
		fmt.Printf("%-10s %8.0fms %8.0fms %8.0fms\n", name, percentile(data, 50), percentile(data, 95), percentile(data, 99))
	}
	row("Ready", readyAll)
	row("FirstAudio", firstAll)
	row("Mute", muteAll)
	row("Classify", classifyAll)

	fmt.Printf("\nClassifications:\n")
	for class, n := range classes {
		fmt.Printf("  %-15s %d\n", class, n)
	}
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
