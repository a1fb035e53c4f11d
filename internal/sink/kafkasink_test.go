package sink

import (
	"os"
	"testing"
)

func TestNewKafkaSinkFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_ACKS", "KAFKA_SASL_MECHANISM", "KAFKA_TLS_SKIP_VERIFY"} {
		old := os.Getenv(k)
		os.Unsetenv(k)
		defer os.Setenv(k, old)
	}

	s := NewKafkaSinkFromEnv()
	if len(s.config.Brokers) != 1 || s.config.Brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v, want [localhost:9092]", s.config.Brokers)
	}
	if s.config.Topic != "uarelay.signals" {
		t.Errorf("topic = %q, want uarelay.signals", s.config.Topic)
	}
	if s.config.Acks != "all" {
		t.Errorf("acks = %q, want all", s.config.Acks)
	}
	if s.config.TLSSkipVerify {
		t.Error("TLSSkipVerify = true, want false")
	}
}

func TestNewKafkaSinkFromEnvBrokerList(t *testing.T) {
	old := os.Getenv("KAFKA_BROKERS")
	defer os.Setenv("KAFKA_BROKERS", old)
	os.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,b3:9092")

	s := NewKafkaSinkFromEnv()
	want := []string{"b1:9092", "b2:9092", "b3:9092"}
	if len(s.config.Brokers) != len(want) {
		t.Fatalf("brokers = %v, want %v", s.config.Brokers, want)
	}
	for i := range want {
		if s.config.Brokers[i] != want[i] {
			t.Errorf("broker[%d] = %q, want %q", i, s.config.Brokers[i], want[i])
		}
	}
}

func TestNewKafkaSinkExplicit(t *testing.T) {
	s := NewKafkaSink([]string{"broker:9092"}, "custom.topic")
	if s.config.Topic != "custom.topic" {
		t.Errorf("topic = %q", s.config.Topic)
	}
	if s.config.Acks != "all" {
		t.Errorf("acks = %q, want all", s.config.Acks)
	}
	if s.Name() != "kafka" {
		t.Errorf("Name() = %q, want kafka", s.Name())
	}
}

func TestKafkaSinkEnqueueWithoutStart(t *testing.T) {
	s := NewKafkaSink([]string{"broker:9092"}, "t")
	if err := s.Enqueue(sigFixture()); err == nil {
		t.Fatal("Enqueue before Start should error")
	}
}

func TestKafkaSinkCloseWithoutStart(t *testing.T) {
	s := NewKafkaSink([]string{"broker:9092"}, "t")
	if err := s.Close(); err != nil {
		t.Errorf("Close() without Start = %v, want nil", err)
	}
}
