package net

import (
	"fmt"
	"net"

	"github.com/tinyrange/tender/internal/module"
	"github.com/tinyrange/tender/internal/netstack"
)

// usernetBackend adapts one netstack.Net to the Backend interface.
type usernetBackend struct {
	*netstack.Net
}

func (b usernetBackend) ReadFrame() ([]byte, error) {
	return b.Net.ReadFrame(), nil
}

func (m *Module) openBackend(dc *DeviceConfig, cfg *Config, env *module.Env) (Backend, error) {
	switch backendKind(dc.Type) {
	case backendTap:
		return openTap(dc.Interface)
	case backendUsernet:
		return openUsernet(&cfg.Usernet, env)
	default:
		return nil, fmt.Errorf("unknown backend %q", dc.Type)
	}
}

func openUsernet(uc *UsernetConfig, env *module.Env) (Backend, error) {
	gateway := uc.Gateway
	if gateway == "" {
		gateway = defaultGateway
	}
	gwIP := net.ParseIP(gateway)
	if gwIP == nil {
		return nil, fmt.Errorf("bad usernet gateway %q", gateway)
	}

	gwMAC, err := resolveMAC("")
	if err != nil {
		return nil, err
	}

	hostnames := make(map[string]net.IP, len(uc.Hostnames))
	for name, addr := range uc.Hostnames {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("hostname %q: bad address %q", name, addr)
		}
		hostnames[name] = ip
	}

	enableDNS := uc.DNS == nil || *uc.DNS

	forwards := make([]netstack.Forward, 0, len(uc.Forwards))
	for i := range uc.Forwards {
		f := &uc.Forwards[i]
		ip, port, err := f.guestAddr()
		if err != nil {
			return nil, err
		}
		forwards = append(forwards, netstack.Forward{
			HostAddr:  f.Host,
			GuestIP:   ip,
			GuestPort: port,
		})
	}

	n, err := netstack.New(netstack.Config{
		GatewayIP:  gwIP,
		GatewayMAC: gwMAC,
		EnableDNS:  enableDNS,
		Hostnames:  hostnames,
		Forwards:   forwards,
		Log:        env.Log,
	})
	if err != nil {
		return nil, err
	}
	return usernetBackend{n}, nil
}
