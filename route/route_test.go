package route

import (
	"errors"
	"net/netip"
	"slices"
	"testing"
)

func TestParseEntry(t *testing.T) {
	for _, c := range []struct {
		s       string
		want    Entry
		wantErr bool
	}{
		{"10.8.0.0/16", Entry{Prefix: netip.MustParsePrefix("10.8.0.0/16")}, false},
		{"10.8.1.1/16", Entry{Prefix: netip.MustParsePrefix("10.8.0.0/16")}, false},
		{"10.8.0.0/16=10.7.0.2", Entry{Prefix: netip.MustParsePrefix("10.8.0.0/16"), Gateway: netip.MustParseAddr("10.7.0.2")}, false},
		{"fd01::/64=fd00::2", Entry{Prefix: netip.MustParsePrefix("fd01::/64"), Gateway: netip.MustParseAddr("fd00::2")}, false},
		{"10.8.0.0/16=fd00::2", Entry{}, true},
		{"10.8.0.0", Entry{}, true},
		{"10.8.0.0/16=bogus", Entry{}, true},
	} {
		t.Run(c.s, func(t *testing.T) {
			got, err := ParseEntry(c.s)
			if (err != nil) != c.wantErr {
				t.Fatalf("ParseEntry(%q) error = %v, wantErr %v", c.s, err, c.wantErr)
			}
			if got != c.want {
				t.Errorf("ParseEntry(%q) = %v, want %v", c.s, got, c.want)
			}
		})
	}
}

var testEntries = []Entry{
	{Prefix: netip.MustParsePrefix("10.8.0.0/16")},
	{Prefix: netip.MustParsePrefix("192.168.0.0/24"), Gateway: netip.MustParseAddr("10.7.0.2"), Metric: 100},
	{Prefix: netip.MustParsePrefix("fd01::/64"), Gateway: netip.MustParseAddr("fd00::2"), Table: 200},
	{Prefix: netip.MustParsePrefix("::/0"), Metric: 1, Table: 2},
}

func TestEntriesEncoding(t *testing.T) {
	var b []byte
	for _, e := range testEntries {
		n := len(b)
		b = e.Append(b)
		if len(b)-n != e.EncodedSize() {
			t.Errorf("%v: encoded %d bytes, EncodedSize() = %d", e, len(b)-n, e.EncodedSize())
		}
	}

	got, err := ParseEntries(b)
	if err != nil {
		t.Fatalf("ParseEntries failed: %v", err)
	}
	if !slices.Equal(got, testEntries) {
		t.Errorf("ParseEntries = %v, want %v", got, testEntries)
	}

	for i := 1; i < len(b); i++ {
		if _, err := ParseEntries(b[:i]); err != nil && !errors.Is(err, ErrBadEntry) {
			t.Errorf("ParseEntries(b[:%d]) returned unexpected error %v", i, err)
		}
	}

	if _, err := ParseEntries([]byte{5, 8, 0, 0, 0, 0}); !errors.Is(err, ErrBadEntry) {
		t.Errorf("ParseEntries(bad family) got %v, want %v", err, ErrBadEntry)
	}
	if _, err := ParseEntries([]byte{4, 33, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrBadEntry) {
		t.Errorf("ParseEntries(bad prefix length) got %v, want %v", err, ErrBadEntry)
	}
}

func TestSplitAdvertisements(t *testing.T) {
	payloads, err := SplitAdvertisements(nil, 1400)
	if err != nil || len(payloads) != 0 {
		t.Fatalf("SplitAdvertisements(nil) = %v, %v", payloads, err)
	}

	maxSize := testEntries[2].EncodedSize() + 4
	payloads, err = SplitAdvertisements(testEntries, maxSize)
	if err != nil {
		t.Fatalf("SplitAdvertisements failed: %v", err)
	}

	var got []Entry
	for _, p := range payloads {
		if len(p) > maxSize {
			t.Errorf("payload size %d exceeds %d", len(p), maxSize)
		}
		entries, err := ParseEntries(p)
		if err != nil {
			t.Fatalf("ParseEntries failed: %v", err)
		}
		got = append(got, entries...)
	}
	if !slices.Equal(got, testEntries) {
		t.Errorf("entries = %v, want %v", got, testEntries)
	}

	if _, err = SplitAdvertisements(testEntries, 8); err == nil {
		t.Error("SplitAdvertisements accepted a payload size smaller than an entry")
	}
}

func TestTableLookup(t *testing.T) {
	var table Table[string]
	table.Insert(netip.MustParsePrefix("10.0.0.0/8"), "wide")
	table.Insert(netip.MustParsePrefix("10.8.0.0/16"), "narrow")
	table.Insert(netip.MustParsePrefix("fd00::/8"), "v6")

	for _, c := range []struct {
		addr   string
		want   string
		wantOK bool
	}{
		{"10.8.1.1", "narrow", true},
		{"10.9.1.1", "wide", true},
		{"::ffff:10.8.1.1", "narrow", true},
		{"192.168.1.1", "", false},
		{"fd01::1", "v6", true},
	} {
		got, ok := table.Lookup(netip.MustParseAddr(c.addr))
		if got != c.want || ok != c.wantOK {
			t.Errorf("Lookup(%s) = %q, %v, want %q, %v", c.addr, got, ok, c.want, c.wantOK)
		}
	}

	table.Delete(netip.MustParsePrefix("10.8.0.0/16"))
	if got, _ := table.Lookup(netip.MustParseAddr("10.8.1.1")); got != "wide" {
		t.Errorf("after Delete, Lookup(10.8.1.1) = %q, want %q", got, "wide")
	}

	if v, ok := table.Get(netip.MustParsePrefix("10.1.2.3/8")); !ok || v != "wide" {
		t.Errorf("Get(10.1.2.3/8) = %q, %v, want %q, true", v, ok, "wide")
	}
	if table.DeleteFunc(netip.MustParsePrefix("10.0.0.0/8"), func(v string) bool { return v == "other" }) {
		t.Error("DeleteFunc removed a prefix whose value did not match")
	}
	if !table.DeleteFunc(netip.MustParsePrefix("10.0.0.0/8"), func(v string) bool { return v == "wide" }) {
		t.Error("DeleteFunc did not remove a matching prefix")
	}
	if _, ok := table.Lookup(netip.MustParseAddr("10.9.1.1")); ok {
		t.Error("Lookup(10.9.1.1) found a deleted prefix")
	}
}

type recordingInstaller struct {
	installed []Entry
}

func (r *recordingInstaller) Install(e Entry) error {
	r.installed = append(r.installed, e)
	return nil
}

func (r *recordingInstaller) Remove(Entry) error { return nil }

func TestOverride(t *testing.T) {
	inner := &recordingInstaller{}
	if Override(inner, 0, 0) != Installer(inner) {
		t.Error("Override without values did not return the inner installer")
	}

	_ = Override(inner, 50, 0).Install(Entry{Prefix: netip.MustParsePrefix("10.8.0.0/16"), Metric: 1, Table: 7})
	if got := inner.installed[0]; got.Metric != 50 || got.Table != 7 {
		t.Errorf("installed %+v, want metric 50 table 7", got)
	}
}
