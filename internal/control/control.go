package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"wisefido-energy/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Controller forwards relay commands to the device control collaborator
type Controller interface {
	SetRelay(ctx context.Context, a *models.DeviceAssignment, on bool) error
}

// Publisher the MQTT publish capability; common/mqtt.Client satisfies it
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

const rpcSource = "wisefido-energy"

// MQTTController sends relay commands over the telemetry broker
type MQTTController struct {
	publisher Publisher
	qos       byte
	logger    *zap.Logger
	nextID    atomic.Int64
}

func NewMQTTController(publisher Publisher, qos byte, logger *zap.Logger) *MQTTController {
	return &MQTTController{publisher: publisher, qos: qos, logger: logger}
}

type rpcRequest struct {
	ID     int64          `json:"id"`
	Src    string         `json:"src"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// SetRelay gen1 devices take "on"/"off" on their relay command topic, gen2
// devices a Switch.Set RPC on <device>/rpc
func (c *MQTTController) SetRelay(_ context.Context, a *models.DeviceAssignment, on bool) error {
	if a.DeviceID == "" {
		return errors.New("device_id is required")
	}

	var topic string
	var payload []byte
	switch a.DeviceKind {
	case models.DeviceKindShellyGen1:
		topic = "shellies/" + a.DeviceID + "/relay/0/command"
		payload = []byte(onOff(on))
	default:
		topic = a.DeviceID + "/rpc"
		body, err := json.Marshal(rpcRequest{
			ID:     c.nextID.Add(1),
			Src:    rpcSource,
			Method: "Switch.Set",
			Params: map[string]any{"id": 0, "on": on},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal rpc: %w", err)
		}
		payload = body
	}

	if err := c.publisher.Publish(topic, c.qos, false, payload); err != nil {
		return err
	}
	c.logger.Info("Relay command sent",
		zap.String("device_id", a.DeviceID),
		zap.String("topic", topic),
		zap.Bool("on", on),
	)
	return nil
}

// HTTPController calls the device's local HTTP API
type HTTPController struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPController client is shared across devices; the base URL comes from each assignment
func NewHTTPController(client *resty.Client, logger *zap.Logger) *HTTPController {
	return &HTTPController{client: client, logger: logger}
}

// SetRelay gen1: GET /relay/0?turn=on|off, gen2: GET /rpc/Switch.Set?id=0&on=true|false
func (c *HTTPController) SetRelay(ctx context.Context, a *models.DeviceAssignment, on bool) error {
	if a.Endpoint == "" {
		return fmt.Errorf("device %s has no control endpoint", a.DeviceID)
	}

	req := c.client.R().SetContext(ctx)
	var url string
	switch a.DeviceKind {
	case models.DeviceKindShellyGen1:
		url = a.Endpoint + "/relay/0"
		req.SetQueryParam("turn", onOff(on))
	default:
		url = a.Endpoint + "/rpc/Switch.Set"
		req.SetQueryParams(map[string]string{"id": "0", "on": fmt.Sprintf("%t", on)})
	}

	resp, err := req.Get(url)
	if err != nil {
		c.logger.Error("Relay command failed",
			zap.String("device_id", a.DeviceID),
			zap.String("url", url),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call device %s: %w", a.DeviceID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("device %s returned status %d", a.DeviceID, resp.StatusCode())
	}
	c.logger.Info("Relay command sent",
		zap.String("device_id", a.DeviceID),
		zap.String("url", url),
		zap.Bool("on", on),
	)
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
