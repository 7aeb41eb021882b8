package cache

import (
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestStatusCache_SetGetEvict(t *testing.T) {
	c := NewStatusCache(time.Minute)

	if _, ok := c.Get("0491570156"); ok {
		t.Error("Get() on empty cache returned a snapshot")
	}

	st := LineStatus{
		Line:    "0491570156",
		Display: "Limit: 20.00GB  >  Used: 2.00GB  >  Remaining: 18.00GB",
		Status:  "Fri 28 Aug 09:30",
		At:      time.Now(),
	}
	c.Set(st)

	got, ok := c.Get("0491570156")
	if !ok {
		t.Fatal("Get() after Set() missed")
	}
	if got.Display != st.Display || got.Status != st.Status {
		t.Errorf("Get() = %+v, want %+v", got, st)
	}

	c.Evict("0491570156")
	if _, ok := c.Get("0491570156"); ok {
		t.Error("Get() after Evict() still returned a snapshot")
	}
}

func TestStatusCache_Expiry(t *testing.T) {
	c := NewStatusCache(50 * time.Millisecond)
	c.Set(LineStatus{Line: "0491570156", Display: "fresh"})

	if _, ok := c.Get("0491570156"); !ok {
		t.Fatal("snapshot missing immediately after Set()")
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get("0491570156"); ok {
		t.Error("snapshot survived past its TTL")
	}
}

func TestLimitCache_PutGet(t *testing.T) {
	c := NewLimitCache(time.Minute)

	if got := c.Get(); got != nil {
		t.Errorf("Get() on empty cache = %v, want nil", got)
	}

	c.Put(map[string]*float64{
		"0491570156": f64(20),
		"0491570157": nil,
	})

	got := c.Get()
	if got == nil {
		t.Fatal("Get() after Put() returned nil")
	}
	if got["0491570156"] == nil || *got["0491570156"] != 20 {
		t.Errorf("cap for 0491570156 = %v, want 20", got["0491570156"])
	}
	if got["0491570157"] != nil {
		t.Errorf("cap for 0491570157 = %v, want nil", *got["0491570157"])
	}
}

func TestLimitCache_GetReturnsCopy(t *testing.T) {
	c := NewLimitCache(time.Minute)
	c.Put(map[string]*float64{"0491570156": f64(20)})

	first := c.Get()
	first["0491570156"] = f64(99)

	second := c.Get()
	if *second["0491570156"] != 20 {
		t.Error("mutating a returned snapshot leaked into the cache")
	}
}

func TestLimitCache_Expiry(t *testing.T) {
	c := NewLimitCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(map[string]*float64{"0491570156": f64(20)})
	if c.Get() == nil {
		t.Fatal("snapshot missing immediately after Put()")
	}

	now = now.Add(time.Minute)
	if c.Get() != nil {
		t.Error("snapshot survived past its TTL")
	}
}

func TestLimitCache_SetOne(t *testing.T) {
	c := NewLimitCache(time.Minute)

	// Before the first Put there is nothing to patch.
	c.SetOne("0491570156", f64(15))
	if c.Get() != nil {
		t.Error("SetOne() before Put() created a snapshot")
	}

	c.Put(map[string]*float64{
		"0491570156": f64(20),
		"0491570157": f64(5),
	})
	c.SetOne("0491570156", f64(15))

	got := c.Get()
	if *got["0491570156"] != 15 {
		t.Errorf("patched cap = %v, want 15", *got["0491570156"])
	}
	if *got["0491570157"] != 5 {
		t.Errorf("untouched cap = %v, want 5", *got["0491570157"])
	}
}

func TestLimitCache_SetOneRefreshesTTL(t *testing.T) {
	c := NewLimitCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(map[string]*float64{"0491570156": f64(20)})

	now = now.Add(45 * time.Second)
	c.SetOne("0491570156", f64(15))

	now = now.Add(30 * time.Second)
	if c.Get() == nil {
		t.Error("SetOne() did not refresh the snapshot timestamp")
	}
}
