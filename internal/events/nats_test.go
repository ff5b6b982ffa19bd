package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/logger"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisherSendsEventOnStatusSubject(t *testing.T) {
	ns := runNATS(t)
	log := logger.Discard()

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	msgs, err := sub.SubscribeSync(events.StatusSubject)
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	nc, err := events.Connect(ns.ClientURL(), log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	sent := events.Event{
		Type:       events.TypeQueryCompleted,
		QueryID:    "q1",
		ProjectID:  "p1",
		QueryType:  "serp_snapshot",
		Status:     "completed",
		Progress:   1,
		DatasetID:  "d1",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := events.NewNATSPublisher(nc, log).Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	msg, err := msgs.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "seo.query.status" {
		t.Errorf("subject = %s, want seo.query.status", msg.Subject)
	}
	var got events.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if !got.OccurredAt.Equal(sent.OccurredAt) {
		t.Errorf("occurred_at = %v, want %v", got.OccurredAt, sent.OccurredAt)
	}
	got.OccurredAt = sent.OccurredAt
	if got != sent {
		t.Errorf("received %+v, want %+v", got, sent)
	}
}

func TestNATSPublisherReportsClosedConnection(t *testing.T) {
	ns := runNATS(t)
	log := logger.Discard()

	nc, err := events.Connect(ns.ClientURL(), log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nc.Close()

	err = events.NewNATSPublisher(nc, log).Publish(context.Background(), events.Event{Type: events.TypeQueryFailed, QueryID: "q1"})
	if err == nil {
		t.Fatal("expected an error publishing on a closed connection")
	}
}
