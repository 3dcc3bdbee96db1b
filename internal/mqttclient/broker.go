package mqttclient

import (
	"fmt"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// embeddedBrokerAddr is the loopback listener the in-process broker binds,
// matching the port paho's default MQTT scheme expects on localhost.
const embeddedBrokerAddr = "127.0.0.1:1883"

// Broker wraps an in-process MQTT broker for MQTT_EMBEDDED_BROKER=true
// deployments (SPEC_FULL.md domain stack): a single RTL-SDR box with no
// external broker still gets the full alert/status topic tree, at the
// cost of losing messages across a process restart.
type Broker struct {
	server *mqttserver.Server
	log    zerolog.Logger
}

// StartBroker starts an in-process MQTT broker listening on 127.0.0.1:1883
// and returns its connect URL alongside the handle to stop it.
func StartBroker(log zerolog.Logger) (*Broker, string, error) {
	blog := log.With().Str("component", "mqtt-broker").Logger()
	server := mqttserver.New(nil)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, "", fmt.Errorf("embedded broker: add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "rds-monitor", Address: embeddedBrokerAddr})
	if err := server.AddListener(tcp); err != nil {
		return nil, "", fmt.Errorf("embedded broker: add listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()
	select {
	case err := <-errCh:
		return nil, "", fmt.Errorf("embedded broker: serve: %w", err)
	default:
	}

	blog.Info().Str("addr", embeddedBrokerAddr).Msg("embedded mqtt broker started")
	return &Broker{server: server, log: blog}, "tcp://" + embeddedBrokerAddr, nil
}

// Stop shuts down the embedded broker, closing every client connection.
func (b *Broker) Stop() {
	if err := b.server.Close(); err != nil {
		b.log.Warn().Err(err).Msg("embedded broker close error")
	}
}
