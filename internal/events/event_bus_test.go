package events_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

func TestPublishSyncDeliversToSubscriber(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeMarketDataUpdated, func(e events.Event) error {
		received <- e
		return nil
	}, events.SubscriptionOptions{Async: false})

	evt := events.NewMarketDataUpdatedEvent(types.BTC, 7, time.Now())
	bus.PublishSync(evt)

	select {
	case got := <-received:
		mdu, ok := got.(*events.MarketDataUpdatedEvent)
		if !ok {
			t.Fatalf("expected *MarketDataUpdatedEvent, got %T", got)
		}
		if mdu.Added != 7 {
			t.Errorf("Added = %d, want 7", mdu.Added)
		}
		if mdu.Instrument != types.BTC {
			t.Errorf("Instrument = %s, want BTC", mdu.Instrument)
		}
	default:
		t.Fatal("handler was not invoked")
	}

	stats := bus.GetStats()
	if stats.EventsPublished != 1 {
		t.Errorf("EventsPublished = %d, want 1", stats.EventsPublished)
	}
	if stats.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", stats.EventsProcessed)
	}
}

func TestSubscribeOnlyReceivesMatchingType(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	var marketEvents, forecastEvents int
	bus.Subscribe(events.EventTypeMarketDataUpdated, func(e events.Event) error {
		marketEvents++
		return nil
	}, events.SubscriptionOptions{Async: false})
	bus.Subscribe(events.EventTypeForecastCompleted, func(e events.Event) error {
		forecastEvents++
		return nil
	}, events.SubscriptionOptions{Async: false})

	bus.PublishSync(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))
	bus.PublishSync(events.NewMarketDataUpdatedEvent(types.ETH, 2, time.Now()))
	bus.PublishSync(events.NewForecastCompletedEvent(types.BTC, time.Now(), "20260101", true, ""))

	if marketEvents != 2 {
		t.Errorf("marketEvents = %d, want 2", marketEvents)
	}
	if forecastEvents != 1 {
		t.Errorf("forecastEvents = %d, want 1", forecastEvents)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	count := 0
	sub := bus.Subscribe(events.EventTypeMarketDataUpdated, func(e events.Event) error {
		count++
		return nil
	}, events.SubscriptionOptions{Async: false})

	bus.PublishSync(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))
	bus.Unsubscribe(sub)
	bus.PublishSync(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))

	if count != 1 {
		t.Errorf("count = %d, want 1 (handler should not fire after unsubscribe)", count)
	}
	if sub.IsActive() {
		t.Error("subscription should be inactive after Unsubscribe")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewEventBus(logger, events.EventBusConfig{NumWorkers: 1, BufferSize: 1})
	defer bus.Stop()

	release := make(chan struct{})
	bus.Subscribe(events.EventTypeMarketDataUpdated, func(e events.Event) error {
		<-release
		return nil
	}, events.SubscriptionOptions{Async: false})

	// First event occupies the sole worker (blocked on release); the
	// second fills the one-slot buffer; the third must be dropped.
	bus.Publish(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))
	bus.Publish(events.NewMarketDataUpdatedEvent(types.BTC, 1, time.Now()))
	close(release)

	stats := bus.GetStats()
	if stats.EventsDropped == 0 {
		t.Error("expected at least one dropped event when buffer capacity is exceeded")
	}
}
