package tun

import "github.com/songgao/water"

func openWater(name string) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	setName(&cfg, name)

	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return iface, nil
}
