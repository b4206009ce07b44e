package channel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/aps-velociprobe/golaborate/channel"
)

func TestValueStringRoundTrip(t *testing.T) {
	for _, v := range []channel.Value{channel.Float(1.5), channel.Int(-3), channel.String("fly%03d"), channel.String("")} {
		s := v.String()
		back, err := channel.ParseValue(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if !back.Equal(v) {
			t.Errorf("%q round tripped to %+v, want %+v", s, back, v)
		}
	}
}

func TestErrorIsUnavailable(t *testing.T) {
	var err error = &channel.Error{Op: "put", Name: "x", Err: errors.New("boom"), Temporary: true}
	if !errors.Is(err, channel.ErrUnavailable) {
		t.Error("channel.Error does not match ErrUnavailable")
	}
	if !channel.IsTemporary(err) {
		t.Error("expected temporary")
	}
	if channel.IsTemporary(errors.New("other")) {
		t.Error("plain error reported temporary")
	}
}

func TestMockReadWrite(t *testing.T) {
	m := channel.NewMock()
	if _, err := m.Read("a"); !errors.Is(err, channel.ErrNoSuchChannel) {
		t.Errorf("expected ErrNoSuchChannel, got %v", err)
	}
	if err := m.Write("a", channel.Float(2)); err != nil {
		t.Fatal(err)
	}
	f, err := channel.ReadFloat(m, "a")
	if err != nil || f != 2 {
		t.Errorf("ReadFloat = %v, %v", f, err)
	}
	if v, ok := m.LastPut("a"); !ok || v.Num != 2 {
		t.Errorf("LastPut = %v, %v", v, ok)
	}
	m.Set("b", channel.Float(1))
	if len(m.Puts()) != 1 {
		t.Errorf("Set should not be recorded as a put, got %v", m.Puts())
	}
}

func TestMockFailures(t *testing.T) {
	m := channel.NewMock()
	boom := &channel.Error{Op: "put", Name: "a", Err: errors.New("boom")}
	m.FailWrites("a", boom)
	if err := m.Write("a", channel.Float(1)); !errors.Is(err, channel.ErrUnavailable) {
		t.Errorf("expected failure, got %v", err)
	}
	m.FailWrites("a", nil)
	if err := m.Write("a", channel.Float(1)); err != nil {
		t.Errorf("expected cleared failure, got %v", err)
	}
	m.FailReads("a", boom)
	if _, err := m.Subscribe("a", func(string, channel.Value, time.Time) {}); err == nil {
		t.Error("expected subscribe to fail")
	}
}

func collect(t *testing.T, m channel.Channel, name string) (<-chan channel.Value, channel.Subscription) {
	t.Helper()
	ch := make(chan channel.Value, 16)
	sub, err := m.Subscribe(name, func(_ string, v channel.Value, _ time.Time) { ch <- v })
	if err != nil {
		t.Fatal(err)
	}
	return ch, sub
}

func next(t *testing.T, ch <-chan channel.Value) channel.Value {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return channel.Value{}
}

func TestMockSubscribeDeliversCurrentThenChangesInOrder(t *testing.T) {
	m := channel.NewMock()
	m.Set("mon", channel.Float(0))
	ch, sub := collect(t, m, "mon")
	for i := 1; i <= 5; i++ {
		m.Set("mon", channel.Int(i))
	}
	for i := 0; i <= 5; i++ {
		if v := next(t, ch); v.Num != float64(i) {
			t.Fatalf("update %d was %v", i, v)
		}
	}
	if err := m.Unsubscribe(sub); err != nil {
		t.Fatal(err)
	}
	if m.Subscribers("mon") != 0 {
		t.Error("subscription still registered")
	}
	m.Set("mon", channel.Float(9))
	select {
	case v := <-ch:
		t.Errorf("update %v after unsubscribe", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMotorSim(t *testing.T) {
	m := channel.NewMock()
	channel.MotorSim{Prefix: "m1", Travel: 5 * time.Millisecond}.Install(m)
	ch, _ := collect(t, m, "m1.DMOV")
	if v := next(t, ch); v.Num != 1 {
		t.Fatalf("motor not initially done moving: %v", v)
	}
	if err := m.Write("m1.VAL", channel.Float(3)); err != nil {
		t.Fatal(err)
	}
	if v := next(t, ch); v.Num != 0 {
		t.Errorf("expected DMOV=0 while moving, got %v", v)
	}
	if v := next(t, ch); v.Num != 1 {
		t.Errorf("expected DMOV=1 after move, got %v", v)
	}
	if f, _ := channel.ReadFloat(m, "m1.RBV"); f != 3 {
		t.Errorf("RBV = %v, want 3", f)
	}
}

func TestMotionProgramSim(t *testing.T) {
	m := channel.NewMock()
	sim := &channel.MotionProgramSim{Trigger: "go", Monitor: "mon", StartDelay: time.Millisecond, Duration: 5 * time.Millisecond}
	sim.Install(m)
	ch, _ := collect(t, m, "mon")
	next(t, ch) // current value
	m.Write("go", channel.Float(1))
	if v := next(t, ch); v.Num != 1 {
		t.Errorf("expected scanning, got %v", v)
	}
	if v := next(t, ch); v.Num != 0 {
		t.Errorf("expected done, got %v", v)
	}
}

type flaky struct {
	*channel.Mock
	fails int
	calls int
	perm  bool
}

func (f *flaky) Read(name string) (channel.Value, error) {
	f.calls++
	if f.calls <= f.fails {
		return channel.Value{}, &channel.Error{Op: "get", Name: name, Err: errors.New("timeout"), Temporary: !f.perm}
	}
	return f.Mock.Read(name)
}

func TestRetryingRecoversTemporary(t *testing.T) {
	f := &flaky{Mock: channel.NewMock(), fails: 2}
	f.Set("a", channel.Float(4))
	r := channel.NewRetrying(f)
	r.InitialInterval = time.Millisecond
	v, err := r.Read("a")
	if err != nil || v.Num != 4 {
		t.Errorf("Read = %v, %v", v, err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.calls)
	}
}

func TestRetryingBounded(t *testing.T) {
	f := &flaky{Mock: channel.NewMock(), fails: 100}
	r := channel.NewRetrying(f)
	r.InitialInterval = time.Millisecond
	r.MaxRetries = 3
	_, err := r.Read("a")
	if !errors.Is(err, channel.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if f.calls != 4 {
		t.Errorf("expected 4 attempts, got %d", f.calls)
	}
}

func TestRetryingPermanentNotRetried(t *testing.T) {
	f := &flaky{Mock: channel.NewMock(), fails: 100, perm: true}
	r := channel.NewRetrying(f)
	r.InitialInterval = time.Millisecond
	if _, err := r.Read("a"); err == nil {
		t.Error("expected error")
	}
	if f.calls != 1 {
		t.Errorf("permanent failure retried %d times", f.calls-1)
	}
}
