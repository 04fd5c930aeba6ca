package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, user, want string
	}{
		{"rules", "alice", "rules.alice.extracted"},
		{"", "alice", "rules.alice.extracted"},
		{"team", "a.b*c>d e", "team.a_b_c_d_e.extracted"},
		{"rules", "", "rules._.extracted"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.prefix, tt.user))
	}
}

func TestNATSPublisher_DeliversToSubscriber(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	subscription, err := sub.ChanSubscribe("rules.*.extracted", msgs)
	require.NoError(t, err)
	defer subscription.Unsubscribe() //nolint:errcheck
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "rules", nil)
	require.NoError(t, err)
	defer pub.Close()

	event := RulesExtracted{
		UserID:         "alice",
		ChatHistoryIDs: []string{"c1", "c2"},
		RulesCount:     3,
		RulesStored:    2,
	}
	require.NoError(t, pub.PublishExtracted(context.Background(), event))

	select {
	case msg := <-msgs:
		assert.Equal(t, "rules.alice.extracted", msg.Subject)

		var got RulesExtracted
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, []string{"c1", "c2"}, got.ChatHistoryIDs)
		assert.Equal(t, 3, got.RulesCount)
		assert.Equal(t, 2, got.RulesStored)
		assert.False(t, got.ExtractedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for extraction event")
	}
}

func TestNATSPublisher_DetachedContext(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 2)
	subscription, err := sub.ChanSubscribe("rules.*.extracted", msgs)
	require.NoError(t, err)
	defer subscription.Unsubscribe() //nolint:errcheck
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "rules", nil)
	require.NoError(t, err)
	defer pub.Close()

	// Background storage publishes on a request context detached from its
	// cancellation, which carries no deadline.
	reqCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	detached := context.WithoutCancel(reqCtx)
	cancel()
	_, hasDeadline := detached.Deadline()
	require.False(t, hasDeadline)

	require.NoError(t, pub.PublishExtracted(detached, RulesExtracted{UserID: "bob", RulesCount: 1}))

	withDeadline, cancelDeadline := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDeadline()
	require.NoError(t, pub.PublishExtracted(withDeadline, RulesExtracted{UserID: "carol", RulesCount: 1}))

	for _, want := range []string{"rules.bob.extracted", "rules.carol.extracted"} {
		select {
		case msg := <-msgs:
			assert.Equal(t, want, msg.Subject)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishExtracted(context.Background(), RulesExtracted{UserID: "alice"}))
	p.Close()
}
