package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("LEASE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LEASE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("TestKafkaBus: using real Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, "lease-test-"+uuid.NewString(), config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus, context.Background()
}

func TestKafkaBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	// Auto-create the topic before consuming it.
	if err := bus.Publish(ctx, "warmup"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	key := UnlockChannel("leases", uuid.NewString())
	ch, err := bus.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := bus.Subscribe(ctx, "other")

	// Wait for consumer to be ready (approx)
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	select {
	case <-other:
		t.Fatal("unexpected delivery on other key")
	case <-time.After(200 * time.Millisecond):
	}
	if m := bus.Metrics(); m.Published != 2 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
