package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/trk/internal/models"
)

func TestHub_DeliversToOwner(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("user-1")
	defer cancel()

	issue := &models.Issue{ID: "i1", UserID: "user-1", Title: "hello"}
	h.Publish(Inserted(issue))

	ev := <-ch
	assert.Equal(t, TypeInsert, ev.Type)
	require.NotNil(t, ev.New)
	assert.Equal(t, "i1", ev.New.ID)
}

func TestHub_FiltersByOwner(t *testing.T) {
	h := NewHub()
	aliceCh, cancelAlice := h.Subscribe("alice")
	defer cancelAlice()
	bobCh, cancelBob := h.Subscribe("bob")
	defer cancelBob()

	h.Publish(Inserted(&models.Issue{ID: "i1", UserID: "alice"}))

	ev := <-aliceCh
	assert.Equal(t, "i1", ev.New.ID)

	select {
	case ev := <-bobCh:
		t.Fatalf("bob should not receive alice's event, got %+v", ev)
	default:
	}
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("alice")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("alice")
	defer cancel2()

	h.Publish(Updated(
		&models.Issue{ID: "i1", UserID: "alice", Title: "old"},
		&models.Issue{ID: "i1", UserID: "alice", Title: "new"},
	))

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, TypeUpdate, ev.Type)
		assert.Equal(t, "old", ev.Old.Title)
		assert.Equal(t, "new", ev.New.Title)
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")

	cancel()
	assert.Equal(t, 0, h.SubscriberCount())

	// Channel is closed after cancel
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after cancel must not panic
	h.Publish(Deleted(&models.Issue{ID: "i1", UserID: "alice"}))

	// Cancel is safe to call twice
	cancel()
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("alice")
	defer cancel()

	// Overflow the buffer; Publish must never block
	for i := 0; i < 100; i++ {
		h.Publish(Inserted(&models.Issue{ID: "i", UserID: "alice"}))
	}
}

func TestEvent_OwnerFromOld(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	// DELETE events carry only the old row
	h.Publish(Deleted(&models.Issue{ID: "i1", UserID: "alice"}))

	ev := <-ch
	assert.Equal(t, TypeDelete, ev.Type)
	assert.Nil(t, ev.New)
	assert.Equal(t, "i1", ev.Old.ID)
}

func TestHub_IgnoresOwnerlessEvents(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	h.Publish(Event{Type: TypeInsert})

	select {
	case ev := <-ch:
		t.Fatalf("ownerless event should be dropped, got %+v", ev)
	default:
	}
}
