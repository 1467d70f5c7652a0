package route

// Installer applies routes to the host routing table.
//
// Implementations must be safe for concurrent use.
type Installer interface {
	// Install adds or replaces the route.
	Install(e Entry) error

	// Remove deletes the route.
	Remove(e Entry) error
}

// NopInstaller is an [Installer] that does nothing.
type NopInstaller struct{}

// Install implements [Installer.Install].
func (NopInstaller) Install(Entry) error { return nil }

// Remove implements [Installer.Remove].
func (NopInstaller) Remove(Entry) error { return nil }

// Override returns an [Installer] that replaces the metric and table of every entry
// with the given values when they are not zero.
func Override(inner Installer, metric, table uint32) Installer {
	if metric == 0 && table == 0 {
		return inner
	}
	return overrideInstaller{inner: inner, metric: metric, table: table}
}

type overrideInstaller struct {
	inner  Installer
	metric uint32
	table  uint32
}

func (o overrideInstaller) apply(e Entry) Entry {
	if o.metric != 0 {
		e.Metric = o.metric
	}
	if o.table != 0 {
		e.Table = o.table
	}
	return e
}

func (o overrideInstaller) Install(e Entry) error {
	return o.inner.Install(o.apply(e))
}

func (o overrideInstaller) Remove(e Entry) error {
	return o.inner.Remove(o.apply(e))
}
