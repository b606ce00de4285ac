package connlog_test

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/subtitlework/pipeline-core/internal/connlog"
)

func messages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, entry := range logs.All() {
		out = append(out, entry.Message)
	}
	return out
}

func TestTransition_LogsReconnectedAcrossTheIntermediateConnectingState(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := connlog.New("store", zap.New(core))

	tr.Transition(connlog.Connecting)
	tr.Transition(connlog.Connected)
	tr.Transition(connlog.ConnectionLost)
	// A real reconnect always passes back through Connecting before
	// Connected; the connection_lost history must survive that hop.
	tr.Transition(connlog.Connecting)
	tr.Transition(connlog.Connected)

	got := messages(logs)
	want := []string{
		"store connecting",
		"store connected",
		"store connection_lost",
		"store connecting",
		"store reconnected",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransition_ConnectedWithoutPriorLossIsNotReconnected(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := connlog.New("broker", zap.New(core))

	tr.Transition(connlog.Connecting)
	tr.Transition(connlog.Connected)

	got := messages(logs)
	want := []string{"broker connecting", "broker connected"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransition_RepeatedStateLogsOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := connlog.New("store", zap.New(core))

	tr.Transition(connlog.Connecting)
	tr.Transition(connlog.Connecting)
	tr.Transition(connlog.Connecting)

	if n := logs.Len(); n != 1 {
		t.Errorf("expected exactly one connecting log line, got %d", n)
	}
}
