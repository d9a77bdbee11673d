package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStage(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	ObserveStage("test-stage", time.Now().Add(-time.Second))
	if after := testutil.CollectAndCount(StageDuration); after != before+1 {
		t.Errorf("Expected one new series, got %d -> %d", before, after)
	}
}

func TestStartServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartServer(ctx, addr, slog.New(slog.NewTextHandler(io.Discard, nil)))

	FramesProcessedTotal.Add(3)

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics endpoint unreachable: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scrubber_frames_processed_total") {
		t.Error("Expected frames counter in /metrics output")
	}
}
