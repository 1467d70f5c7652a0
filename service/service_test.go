package service

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/database64128/mvtun-go/conn"
	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/packet"
	"github.com/database64128/mvtun-go/route"
)

func TestServerConfigValidation(t *testing.T) {
	for _, c := range []struct {
		name    string
		modify  func(*ServerConfig)
		wantErr error
	}{
		{"Valid", func(*ServerConfig) {}, nil},
		{"NoListenAddress", func(sc *ServerConfig) { sc.ListenAddress = "" }, ErrNoListenAddress},
		{"MTUTooSmall", func(sc *ServerConfig) { sc.MTU = 575 }, ErrMTUOutOfRange},
		{"MTUTooLarge", func(sc *ServerConfig) { sc.MTU = 65536 }, ErrMTUOutOfRange},
		{"ShortKey", func(sc *ServerConfig) { sc.Key = "short" }, packet.ErrPassphraseTooShort},
		{"UnknownCipher", func(sc *ServerConfig) { sc.Cipher = "rc4" }, packet.ErrUnknownCipherKind},
		{"KeepaliveTooLong", func(sc *ServerConfig) {
			sc.Keepalive = jsonhelper.Duration(2 * time.Minute)
		}, ErrKeepaliveTooLong},
		{"NegativeTimeout", func(sc *ServerConfig) {
			sc.ClientTimeout = jsonhelper.Duration(-time.Second)
		}, ErrNegativeDuration},
		{"RouteWithoutGateway", func(sc *ServerConfig) {
			sc.Routes = []route.Entry{{Prefix: netip.MustParsePrefix("172.16.0.0/12")}}
		}, ErrRouteNeedsGateway},
		{"RendezvousWithoutServer", func(sc *ServerConfig) {
			sc.Rendezvous = &RendezvousConfig{LocalID: "server"}
		}, ErrRendezvousNoServer},
	} {
		t.Run(c.name, func(t *testing.T) {
			sc, _, _, _ := newTestConfigs(20390, packet.CipherKindAES128, "helloworld")
			c.modify(&sc)
			_, err := sc.Server(newTestLogger(t))
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("sc.Server failed: %v", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Errorf("sc.Server got %v, want %v", err, c.wantErr)
			}
		})
	}
}

func TestServerConfigRejects(t *testing.T) {
	for _, c := range []struct {
		name   string
		modify func(*ServerConfig)
	}{
		{"BadListenNetwork", func(sc *ServerConfig) { sc.ListenNetwork = "tcp" }},
		{"BadListenAddress", func(sc *ServerConfig) { sc.ListenAddress = "127.0.0.1" }},
		{"RendezvousRemoteID", func(sc *ServerConfig) {
			sc.Rendezvous = &RendezvousConfig{Server: "ws://127.0.0.1:1/", RemoteID: "client"}
		}},
	} {
		t.Run(c.name, func(t *testing.T) {
			sc, _, _, _ := newTestConfigs(20390, packet.CipherKindPlain, "")
			c.modify(&sc)
			if _, err := sc.Server(newTestLogger(t)); err == nil {
				t.Error("sc.Server succeeded")
			}
		})
	}
}

func TestClientConfigValidation(t *testing.T) {
	for _, c := range []struct {
		name    string
		modify  func(*ClientConfig)
		wantErr error
	}{
		{"Valid", func(*ClientConfig) {}, nil},
		{"RendezvousOnly", func(cc *ClientConfig) {
			cc.Remotes = nil
			cc.Rendezvous = &RendezvousConfig{Server: "ws://127.0.0.1:1/", RemoteID: "server"}
		}, nil},
		{"NoRemote", func(cc *ClientConfig) { cc.Remotes = nil }, ErrNoRemote},
		{"RendezvousWithoutRemoteID", func(cc *ClientConfig) {
			cc.Remotes = nil
			cc.Rendezvous = &RendezvousConfig{Server: "ws://127.0.0.1:1/", LocalID: "client"}
		}, ErrNoRemote},
		{"DefaultKeepaliveTooLong", func(cc *ClientConfig) {
			cc.ReconnectTimeout = jsonhelper.Duration(5 * time.Second)
		}, ErrKeepaliveTooLong},
		{"KeepaliveEqualsTimeout", func(cc *ClientConfig) {
			cc.Keepalive = jsonhelper.Duration(time.Minute)
			cc.ReconnectTimeout = jsonhelper.Duration(time.Minute)
		}, ErrKeepaliveTooLong},
		{"NegativeRebindTimeout", func(cc *ClientConfig) {
			cc.RebindTimeout = jsonhelper.Duration(-time.Second)
		}, ErrNegativeDuration},
		{"MTUTooSmall", func(cc *ClientConfig) { cc.MTU = 100 }, ErrMTUOutOfRange},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, cc, _, _ := newTestConfigs(20390, packet.CipherKindAES256, "helloworld")
			c.modify(&cc)
			_, err := cc.Client(newTestLogger(t))
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("cc.Client failed: %v", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Errorf("cc.Client got %v, want %v", err, c.wantErr)
			}
		})
	}
}

func TestClientConfigRejects(t *testing.T) {
	for _, c := range []struct {
		name   string
		modify func(*ClientConfig)
	}{
		{"BadRemoteNetwork", func(cc *ClientConfig) { cc.RemoteNetwork = "udp" }},
		{"InvalidRemote", func(cc *ClientConfig) { cc.Remotes = []conn.Addr{{}} }},
		{"BadLocalAddress", func(cc *ClientConfig) { cc.LocalAddress = "127.0.0.1" }},
		{"RebindFixedPort", func(cc *ClientConfig) {
			cc.LocalAddress = "127.0.0.1:20391"
			cc.Rebind = true
		}},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, cc, _, _ := newTestConfigs(20390, packet.CipherKindPlain, "")
			c.modify(&cc)
			if _, err := cc.Client(newTestLogger(t)); err == nil {
				t.Error("cc.Client succeeded")
			}
		})
	}
}

func TestTunnelConfigDefaults(t *testing.T) {
	_, cc, _, _ := newTestConfigs(20390, packet.CipherKindAES128, "helloworld")
	cc.TunnelAddresses = append(cc.TunnelAddresses, netip.MustParsePrefix("fd07::2/64"))

	c, err := cc.Client(newTestLogger(t))
	if err != nil {
		t.Fatalf("cc.Client failed: %v", err)
	}

	if cc.MTU != defaultMTU {
		t.Errorf("cc.MTU = %d, want %d", cc.MTU, defaultMTU)
	}
	if c.keepalive != defaultKeepaliveInterval {
		t.Errorf("c.keepalive = %v, want %v", c.keepalive, defaultKeepaliveInterval)
	}
	if c.reconnectTimeout != defaultReconnectTimeout {
		t.Errorf("c.reconnectTimeout = %v, want %v", c.reconnectTimeout, defaultReconnectTimeout)
	}
	if c.rebindTimeout != defaultRebindTimeout {
		t.Errorf("c.rebindTimeout = %v, want %v", c.rebindTimeout, defaultRebindTimeout)
	}
	if c.listenNetwork != "udp" {
		t.Errorf("c.listenNetwork = %q, want %q", c.listenNetwork, "udp")
	}
	if c.echo.IPv4 != clientTunnelAddr.Addr() || c.echo.IPv6 != netip.MustParseAddr("fd07::2") {
		t.Errorf("c.echo = %+v", c.echo)
	}
	if got, want := c.deviceConfig.MTU, c.handler.MaxPayloadSize(); got != want || got >= defaultMTU {
		t.Errorf("c.deviceConfig.MTU = %d, want %d (below %d)", got, want, defaultMTU)
	}
	if c.sendBufSize() > defaultMTU {
		t.Errorf("c.sendBufSize() = %d exceeds the path MTU %d", c.sendBufSize(), defaultMTU)
	}
}

func TestConfigManager(t *testing.T) {
	var empty Config
	if _, err := empty.Manager(newTestLogger(t)); err == nil {
		t.Error("empty.Manager succeeded")
	}

	sc, cc, _, _ := newTestConfigs(20390, packet.CipherKindAES128, "helloworld")
	cc.MTU = 1
	config := Config{Servers: []ServerConfig{sc}, Clients: []ClientConfig{cc}}
	if _, err := config.Manager(newTestLogger(t)); !errors.Is(err, ErrMTUOutOfRange) {
		t.Errorf("config.Manager got %v, want %v", err, ErrMTUOutOfRange)
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	const yamlConfig = `
servers:
  - name: mvs0
    listen: ":1414"
    clientTimeout: 3m
    cipher: aes-256
    key: helloworld
    interface: mvs0
    tunnelAddresses:
      - 10.7.0.1/24
      - fd07::1/64
    routes:
      - 172.16.0.0/12=10.7.0.2
    advertise:
      - 10.99.0.0/16
clients:
  - name: mvc0
    remotes:
      - "[2001:db8::1]:1414"
      - vpn.example.com:1414
    remoteNetwork: ip6
    rebind: true
    waitDNS: true
    cipher: aes-256
    key: helloworld
    mtu: 1280
    keepalive: 10s
    rendezvous:
      server: wss://rendezvous.example.com/
      localID: mvc0
      stunServer: stun.example.com:3478
status:
  enabled: true
  listenNetwork: unix
  listenAddress: /run/mvtun-go/status.sock
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlConfig), 0o644); err != nil {
		t.Fatalf("os.WriteFile failed: %v", err)
	}

	var config Config
	if err := jsonhelper.LoadConfig(path, &config); err != nil {
		t.Fatalf("jsonhelper.LoadConfig failed: %v", err)
	}

	if len(config.Servers) != 1 || len(config.Clients) != 1 {
		t.Fatalf("got %d servers and %d clients, want 1 and 1", len(config.Servers), len(config.Clients))
	}

	sc := config.Servers[0]
	if sc.ListenAddress != ":1414" || time.Duration(sc.ClientTimeout) != 3*time.Minute {
		t.Errorf("server = %+v", sc)
	}
	if sc.Cipher != packet.CipherKindAES256 || len(sc.TunnelAddresses) != 2 {
		t.Errorf("server tunnel config = %+v", sc.TunnelConfig)
	}
	if len(sc.Routes) != 1 || sc.Routes[0].Gateway != netip.MustParseAddr("10.7.0.2") {
		t.Errorf("server routes = %v", sc.Routes)
	}

	cc := config.Clients[0]
	if len(cc.Remotes) != 2 || !cc.Remotes[0].IsIP() || !cc.Remotes[1].IsDomain() {
		t.Errorf("client remotes = %v", cc.Remotes)
	}
	if !cc.Rebind || !cc.WaitDNS || cc.RemoteNetwork != "ip6" || cc.MTU != 1280 {
		t.Errorf("client = %+v", cc)
	}
	if time.Duration(cc.Keepalive) != 10*time.Second {
		t.Errorf("client keepalive = %v", cc.Keepalive)
	}
	if cc.Rendezvous == nil || cc.Rendezvous.LocalID != "mvc0" || cc.Rendezvous.STUNServer.Port() != 3478 {
		t.Errorf("client rendezvous = %+v", cc.Rendezvous)
	}

	if !config.Status.Enabled || config.Status.ListenNetwork != "unix" {
		t.Errorf("status = %+v", config.Status)
	}
}

func TestLoadConfigUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"clients":[{"name":"mvc0","remote":"127.0.0.1:1414"}]}`), 0o644); err != nil {
		t.Fatalf("os.WriteFile failed: %v", err)
	}

	var config Config
	if err := jsonhelper.LoadConfig(path, &config); err == nil {
		t.Error("jsonhelper.LoadConfig accepted an unknown field")
	}
}
