package natsbroker

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

func TestPublishEvent(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	b, err := New(s.ClientURL(), "testhost.deployments")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan deployment.Event, 1)
	_, err = b.Subscribe(func(ev deployment.Event) { got <- ev })
	require.NoError(t, err)

	ev := deployment.NewEvent("d-1", deployment.EventDeployed, "testapp")
	ev.BaseURL = "http://localhost:5001/testapp/"
	require.NoError(t, b.PublishEvent(ev))

	select {
	case recv := <-got:
		assert.Equal(t, ev, recv)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubject(t *testing.T) {
	b := &Broker{prefix: "testhost.deployments"}
	assert.Equal(t, "testhost.deployments.torn_down", b.Subject(deployment.EventTornDown))
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New("nats://127.0.0.1:1", "testhost")
	assert.Error(t, err)
}
