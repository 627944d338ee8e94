package console

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

func TestConsolePublish(t *testing.T) {
	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)
	c := &ConsoleOutput{now: func() time.Time { return ts }}
	msg := report.Message{Kind: report.KindReadings, Body: []byte(`{"sensor_0":"1.23","weight":"1.23"}`)}
	out := captureStdout(func() { _ = c.Publish(msg) })
	want := "2025-09-19T14:41:54Z readings {\"sensor_0\":\"1.23\",\"weight\":\"1.23\"}\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}
