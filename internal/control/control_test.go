package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wisefido-energy/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return nil
}

func TestMQTTController_Gen1(t *testing.T) {
	pub := &fakePublisher{}
	c := NewMQTTController(pub, 1, zap.NewNop())
	a := &models.DeviceAssignment{DeviceID: "shelly1pm-A1", DeviceKind: models.DeviceKindShellyGen1}

	require.NoError(t, c.SetRelay(context.Background(), a, true))
	require.NoError(t, c.SetRelay(context.Background(), a, false))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "shellies/shelly1pm-A1/relay/0/command", pub.msgs[0].topic)
	assert.Equal(t, "on", string(pub.msgs[0].payload))
	assert.Equal(t, "off", string(pub.msgs[1].payload))
}

func TestMQTTController_Gen2(t *testing.T) {
	pub := &fakePublisher{}
	c := NewMQTTController(pub, 1, zap.NewNop())
	a := &models.DeviceAssignment{DeviceID: "shellyplus1pm-B2", DeviceKind: models.DeviceKindShellyGen2}

	require.NoError(t, c.SetRelay(context.Background(), a, true))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "shellyplus1pm-B2/rpc", pub.msgs[0].topic)

	var rpc struct {
		ID     int64  `json:"id"`
		Src    string `json:"src"`
		Method string `json:"method"`
		Params struct {
			ID int  `json:"id"`
			On bool `json:"on"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &rpc))
	assert.Equal(t, "Switch.Set", rpc.Method)
	assert.Equal(t, "wisefido-energy", rpc.Src)
	assert.Equal(t, int64(1), rpc.ID)
	assert.True(t, rpc.Params.On)
}

func TestMQTTController_PublishError(t *testing.T) {
	c := NewMQTTController(&fakePublisher{err: errors.New("not connected")}, 1, zap.NewNop())
	err := c.SetRelay(context.Background(), &models.DeviceAssignment{DeviceID: "d1"}, true)
	assert.EqualError(t, err, "not connected")

	assert.Error(t, c.SetRelay(context.Background(), &models.DeviceAssignment{}, true))
}

func TestHTTPController(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		if r.URL.Path == "/broken/rpc/Switch.Set" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"was_on":false}`))
	}))
	defer srv.Close()

	c := NewHTTPController(resty.New().SetTimeout(time.Second), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.SetRelay(ctx, &models.DeviceAssignment{DeviceID: "g2", DeviceKind: models.DeviceKindShellyGen2, Endpoint: srv.URL}, true))
	require.NoError(t, c.SetRelay(ctx, &models.DeviceAssignment{DeviceID: "g1", DeviceKind: models.DeviceKindShellyGen1, Endpoint: srv.URL}, false))
	assert.Error(t, c.SetRelay(ctx, &models.DeviceAssignment{DeviceID: "bad", Endpoint: srv.URL + "/broken"}, true))
	assert.Error(t, c.SetRelay(ctx, &models.DeviceAssignment{DeviceID: "none"}, true))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "/rpc/Switch.Set?id=0&on=true", seen[0])
	assert.Equal(t, "/relay/0?turn=off", seen[1])
}
