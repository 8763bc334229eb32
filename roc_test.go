package softmac

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// A rocDriver is a fakeDriver which remains on channel itself.
type rocDriver struct {
	*fakeDriver

	mu        sync.Mutex
	freqs     []int
	cancelled int
	err       error
}

func (rd *rocDriver) RemainOnChannel(freq int, _ time.Duration) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.err != nil {
		return rd.err
	}
	rd.freqs = append(rd.freqs, freq)
	return nil
}

func (rd *rocDriver) CancelRemainOnChannel() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.cancelled++
	return nil
}

func TestDeviceRemainOnChannelTimer(t *testing.T) {
	d, _ := testDevice(t, testHardware())

	results := make(chan RocResult, 2)
	done := func(r RocResult) { results <- r }

	ctx := testContext(t)
	if err := d.RemainOnChannel(ctx, 2437, 200*time.Millisecond, done); err != nil {
		t.Fatalf("failed to remain on channel: %v", err)
	}
	if freq, ok := d.OnChannel(); !ok || freq != 2437 {
		t.Fatalf("unexpected channel: %d, %t", freq, ok)
	}

	// Only one period may be active.
	err := d.RemainOnChannel(ctx, 2412, time.Second, done)
	if !errors.Is(err, ErrRemainOnChannel) {
		t.Fatalf("expected busy error, but got: %v", err)
	}

	if r := waitRoc(t, results); r != RocExpired {
		t.Fatalf("unexpected result: %s", r)
	}
	if _, ok := d.OnChannel(); ok {
		t.Fatal("still on channel after expiry")
	}

	// Cancelling after expiry does nothing.
	if err := d.CancelRemainOnChannel(ctx); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	settle(t, d)
	if len(results) != 0 {
		t.Fatal("unexpected second result")
	}
}

func TestDeviceRemainOnChannelBusyWhileExpiring(t *testing.T) {
	d, _ := testDevice(t, testHardware())

	results := make(chan RocResult, 2)
	done := func(r RocResult) { results <- r }

	ctx := testContext(t)
	for i := 0; i < 50; i++ {
		if err := d.RemainOnChannel(ctx, 2437, time.Microsecond, done); err != nil {
			t.Fatalf("failed to remain on channel: %v", err)
		}

		// The second request races the expiry of the first and either
		// finds the device busy or starts a period of its own.
		started := 1
		switch err := d.RemainOnChannel(ctx, 2412, time.Microsecond, done); {
		case err == nil:
			started++
		case !errors.Is(err, ErrRemainOnChannel):
			t.Fatalf("unexpected error: %v", err)
		}

		for ; started > 0; started-- {
			if r := waitRoc(t, results); r != RocExpired {
				t.Fatalf("unexpected result: %s", r)
			}
		}
	}
}

func TestDeviceRemainOnChannelInvalidDuration(t *testing.T) {
	d, _ := testDevice(t, testHardware())

	err := d.RemainOnChannel(testContext(t), 2437, 0, nil)
	if !errors.Is(err, ErrRemainOnChannel) {
		t.Fatalf("expected invalid duration, but got: %v", err)
	}
}

func TestDeviceRemainOnChannelDriver(t *testing.T) {
	rd := &rocDriver{fakeDriver: newFakeDriver()}
	d := testDriverDevice(t, rd)

	results := make(chan RocResult, 2)
	done := func(r RocResult) { results <- r }

	ctx := testContext(t)
	if err := d.RemainOnChannel(ctx, 5180, time.Hour, done); err != nil {
		t.Fatalf("failed to remain on channel: %v", err)
	}

	// The driver decides when the device is on channel.
	if _, ok := d.OnChannel(); ok {
		t.Fatal("on channel before driver was ready")
	}
	d.ReadyOnChannel()
	if freq, ok := d.OnChannel(); !ok || freq != 5180 {
		t.Fatalf("unexpected channel: %d, %t", freq, ok)
	}

	if err := d.CancelRemainOnChannel(ctx); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	// A late expiry from the driver is ignored.
	d.RemainOnChannelExpired()

	if r := waitRoc(t, results); r != RocCancelled {
		t.Fatalf("unexpected result: %s", r)
	}
	settle(t, d)
	if len(results) != 0 {
		t.Fatal("unexpected second result")
	}

	rd.mu.Lock()
	defer rd.mu.Unlock()

	if len(rd.freqs) != 1 || rd.freqs[0] != 5180 || rd.cancelled != 1 {
		t.Fatalf("unexpected driver calls: %v, %d cancelled", rd.freqs, rd.cancelled)
	}
}

func TestDeviceRemainOnChannelDriverError(t *testing.T) {
	rd := &rocDriver{
		fakeDriver: newFakeDriver(),
		err:        errors.New("busy scanning"),
	}
	d := testDriverDevice(t, rd)

	ctx := testContext(t)
	if err := d.RemainOnChannel(ctx, 2412, time.Second, nil); err == nil {
		t.Fatal("expected an error, but none occurred")
	}

	// The failed request left nothing behind.
	rd.mu.Lock()
	rd.err = nil
	rd.mu.Unlock()

	if err := d.RemainOnChannel(ctx, 2412, time.Second, nil); err != nil {
		t.Fatalf("failed to remain on channel: %v", err)
	}
}

func testDriverDevice(t *testing.T, drv Driver) *Device {
	t.Helper()

	d, err := New(drv, testHardware())
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(testContext(t)); err != nil {
		t.Fatalf("failed to start device: %v", err)
	}
	return d
}

func waitRoc(t *testing.T, results <-chan RocResult) RocResult {
	t.Helper()

	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remain on channel to end")
		return 0
	}
}
