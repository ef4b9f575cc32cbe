package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	before := time.Now()

	h := NewHealthy("nats", "connected")
	assert.True(t, h.Healthy)
	assert.True(t, h.IsHealthy())
	assert.Equal(t, "nats", h.Component)
	assert.Equal(t, "connected", h.Message)
	assert.False(t, h.Timestamp.Before(before))

	u := NewUnhealthy("nats", "disconnected")
	assert.False(t, u.Healthy)
	assert.True(t, u.IsUnhealthy())

	d := NewDegraded("outbox", "slow")
	assert.False(t, d.Healthy)
	assert.True(t, d.IsDegraded())
	assert.False(t, d.IsHealthy())
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("aspen", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, "aspen", got.Component)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_DoesNotShareInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	got := Aggregate("aspen", subs)
	subs[0].Message = "changed"
	assert.Empty(t, got.SubStatuses[0].Message)
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	base := NewHealthy("aspen", "").WithSubStatus(NewHealthy("a", ""))
	base.SubStatuses = base.SubStatuses[:1:2]

	x := base.WithSubStatus(NewHealthy("x", ""))
	y := base.WithSubStatus(NewHealthy("y", ""))
	require.Len(t, x.SubStatuses, 2)
	require.Len(t, y.SubStatuses, 2)
	assert.Equal(t, "x", x.SubStatuses[1].Component)
	assert.Equal(t, "y", y.SubStatuses[1].Component)
	assert.Len(t, base.SubStatuses, 1)
}

func TestFromError(t *testing.T) {
	ok := FromError("nats", nil)
	assert.True(t, ok.IsHealthy())

	bad := FromError("nats", fmt.Errorf("cannot connect to nats://user:pw@10.0.0.5:4222"))
	assert.True(t, bad.IsUnhealthy())
	assert.Equal(t, "cannot connect to [URL]", bad.Message)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"unix path", "failed to open /etc/aspen/aspen.yaml", "failed to open [PATH]"},
		{"windows path", "cannot read C:\\Users\\Admin\\aspen.json", "cannot read [PATH]"},
		{"http url", "request to https://api.example.com/alice/notes failed", "request to [URL] failed"},
		{"ip address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port", "failed to bind to :9090", "failed to bind to [PORT]"},
		{"credentials", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{
			"several",
			"failed to connect to https://192.168.1.1:8080/api with token=abc123def",
			"failed to connect to [URL] with [REDACTED]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()

	_, ok := m.Get("nats")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("aspen").IsHealthy())

	m.UpdateHealthy("outbox", "running")
	m.Update("nats", Status{Status: StatusUnhealthy, Message: "disconnected"})

	nats, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", nats.Component, "Update sets the component name")
	assert.False(t, nats.Timestamp.IsZero())

	agg := m.AggregateHealth("aspen")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component)
	assert.Equal(t, "outbox", agg.SubStatuses[1].Component)

	m.UpdateDegraded("nats", "reconnecting")
	assert.True(t, m.AggregateHealth("aspen").IsDegraded())

	m.Remove("nats")
	assert.True(t, m.AggregateHealth("aspen").IsHealthy())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("component-%d", i)
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					m.UpdateHealthy(name, "ok")
				} else {
					m.UpdateUnhealthy(name, "down")
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.AggregateHealth("aspen")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, m.AggregateHealth("aspen").SubStatuses, 10)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("outbox", "running")

	rec := httptest.NewRecorder()
	m.Handler("aspen").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "aspen", body.Component)
	assert.True(t, body.Healthy)

	m.UpdateDegraded("nats", "reconnecting")
	rec = httptest.NewRecorder()
	m.Handler("aspen").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.UpdateUnhealthy("nats", "disconnected")
	rec = httptest.NewRecorder()
	m.Handler("aspen").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
