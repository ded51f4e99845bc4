package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestFromTelemetryContainer(t *testing.T) {
	ev := telemetry.Event{
		Type:      telemetry.EventContainerStart,
		Timestamp: 1000,
		CgroupID:  42,
		PID:       100,
		Container: &telemetry.ContainerRecord{
			CgroupID:    42,
			PID:         100,
			PPID:        1,
			ContainerID: "abc123",
			Comm:        "nginx",
			StartTime:   1000,
			Status:      telemetry.StatusCreated,
		},
	}

	wire := FromTelemetry(ev)
	if wire.Type != "container_start" {
		t.Errorf("Type = %q", wire.Type)
	}
	if wire.Container == nil {
		t.Fatal("Container view missing")
	}
	if wire.Container.Status != "created" {
		t.Errorf("Status = %q", wire.Container.Status)
	}
	if wire.Container.Comm != "nginx" || wire.Container.ContainerID != "abc123" {
		t.Errorf("container fields = %+v", wire.Container)
	}
	if wire.Flow != nil {
		t.Error("Flow should be nil for a container event")
	}
}

func TestFromTelemetryFlowFlags(t *testing.T) {
	ev := telemetry.Event{
		Type:      telemetry.EventNetworkPacket,
		Timestamp: 2000,
		CgroupID:  42,
		Flow: &telemetry.FlowStats{
			Packets:        5,
			Bytes:          500,
			TCPRetransmits: 2,
			Flags:          telemetry.FlowOutbound | telemetry.FlowRetransmit,
		},
	}

	wire := FromTelemetry(ev)
	if wire.Flow == nil {
		t.Fatal("Flow view missing")
	}
	if wire.Flow.Inbound {
		t.Error("Inbound should be false")
	}
	if !wire.Flow.Outbound || !wire.Flow.Retransmit {
		t.Errorf("flags = %+v", wire.Flow)
	}
	if wire.Flow.TCPRetransmits != 2 {
		t.Errorf("TCPRetransmits = %d", wire.Flow.TCPRetransmits)
	}
}

func TestFromTelemetrySample(t *testing.T) {
	ev := telemetry.Event{
		Type:      telemetry.EventCPUSample,
		Timestamp: 3000,
		CgroupID:  42,
		Value:     250,
	}

	wire := FromTelemetry(ev)
	if wire.Type != "cpu_sample" || wire.Value != 250 {
		t.Errorf("wire = %+v", wire)
	}
	if wire.Container != nil || wire.Flow != nil {
		t.Error("sample events carry no payload struct")
	}
}

func TestSendEvent(t *testing.T) {
	var gotPath, gotAuth, gotAgent string
	var gotBody Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(Config{Endpoint: ts.URL, APIKey: "test-key"}, testLogger())
	event := &Event{Type: "container_start", Timestamp: 1000, CgroupID: 42}

	if err := client.SendEvent(context.Background(), event); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if gotPath != "/api/v1/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if !strings.HasPrefix(gotAgent, "microradar/") {
		t.Errorf("user-agent = %q", gotAgent)
	}
	if gotBody.Type != "container_start" || gotBody.CgroupID != 42 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSendEventServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(Config{Endpoint: ts.URL, APIKey: "test-key"}, testLogger())
	if err := client.SendEvent(context.Background(), &Event{Type: "cpu_sample"}); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestSendEventUnconfigured(t *testing.T) {
	client := NewClient(Config{}, testLogger())
	if err := client.SendEvent(context.Background(), &Event{}); err == nil {
		t.Error("unconfigured client should refuse to send")
	}
}

func TestSendBatch(t *testing.T) {
	var gotPath string
	var payload struct {
		Events []Event `json:"events"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{Endpoint: ts.URL, APIKey: "test-key"}, testLogger())
	events := []*Event{
		{Type: "container_start", CgroupID: 2},
		{Type: "container_stop", CgroupID: 2},
	}
	if err := client.SendBatch(context.Background(), events); err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if gotPath != "/api/v1/events/batch" {
		t.Errorf("path = %q", gotPath)
	}
	if len(payload.Events) != 2 {
		t.Errorf("batch size = %d", len(payload.Events))
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer ts.Close()

	client := NewClient(Config{Endpoint: ts.URL, APIKey: "test-key"}, testLogger())
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}

	healthy = false
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected error on unhealthy endpoint")
	}
}
