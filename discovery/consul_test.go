package discovery

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent records the agent endpoints Register calls
type fakeAgent struct {
	mu           sync.Mutex
	registered   *api.AgentServiceRegistration
	deregistered string
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.registered = &reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		a.deregistered = strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
	default:
		http.NotFound(w, r)
	}
}

func TestRegister(t *testing.T) {
	agent := &fakeAgent{}
	server := httptest.NewServer(agent)
	defer server.Close()

	reg := Registration{
		ConsulAddress: strings.TrimPrefix(server.URL, "http://"),
		ServiceName:   "rescue-service",
		Address:       "rescue-service",
		Port:          8086,
	}
	deregister, err := Register(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NotNil(t, agent.registered)
	assert.Equal(t, "rescue-service-8086", agent.registered.ID)
	assert.Equal(t, 8086, agent.registered.Port)
	require.NotNil(t, agent.registered.Check)
	assert.Equal(t, "http://rescue-service:8086/health", agent.registered.Check.HTTP)

	deregister()
	assert.Equal(t, "rescue-service-8086", agent.deregistered)
}
