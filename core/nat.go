package core

// NAT traversal (§4.5): UPnP/NAT-PMP port mapping, then hole-punching
// coordinated via a third peer. Routing through a cooperating relay node is
// not implemented here; a peer for which neither strategy succeeds is
// reachable only outbound, and MarkNonDialable marks its DHT record
// non-dial-able.

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/pion/webrtc/v4"
)

// NATManager discovers the local gateway and attempts UPnP/NAT-PMP port
// mapping, the first of the three §4.5 strategies.
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

func NewNATManager() (*NATManager, error) {
	m := &NATManager{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("nat: no gateway supporting NAT-PMP or UPnP found")
	}
	return m, nil
}

func (m *NATManager) ExternalIP() net.IP { return m.ip }

func (m *NATManager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "meshcore", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("nat: port mapping failed on both NAT-PMP and UPnP")
}

func (m *NATManager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}

func parsePort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" || parts[i] == "udp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("no tcp/udp port in %s", addr)
}

// HolePunchCoordinator is the second §4.5 strategy: a third peer (the
// rendezvous) relays each side's ICE offer/answer so both can attempt a
// simultaneous-open dial. The actual candidate gathering and connectivity
// checks are delegated to pion/webrtc's ICE agent; the data channel it
// negotiates carries only address-discovery signalling, never message
// payload, so a successful hole punch is handed off to the stream
// transport rather than used as the transport itself.
type HolePunchCoordinator struct {
	Rendezvous DeviceID // the coordinating third peer
	pc         *webrtc.PeerConnection
}

// NewHolePunchCoordinator opens a PeerConnection configured with the given
// STUN/TURN servers, used to gather this node's reflexive and relay
// candidates before an offer is relayed through the rendezvous peer.
func NewHolePunchCoordinator(rendezvous DeviceID, stunServers []string) (*HolePunchCoordinator, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("hole punch: open peer connection: %w", err)
	}
	return &HolePunchCoordinator{Rendezvous: rendezvous, pc: pc}, nil
}

// GatherOffer creates a signalling data channel, gathers ICE candidates to
// completion, and returns the resulting SDP offer for the rendezvous peer
// to relay to the remote side.
func (h *HolePunchCoordinator) GatherOffer() (string, error) {
	if _, err := h.pc.CreateDataChannel("meshcore-holepunch", nil); err != nil {
		return "", fmt.Errorf("hole punch: create signalling channel: %w", err)
	}
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("hole punch: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("hole punch: set local description: %w", err)
	}
	<-gatherComplete
	return h.pc.LocalDescription().SDP, nil
}

// AcceptAnswer applies the remote side's relayed SDP answer, completing the
// simultaneous-open handshake.
func (h *HolePunchCoordinator) AcceptAnswer(sdp string) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (h *HolePunchCoordinator) Close() error {
	if h.pc == nil {
		return nil
	}
	return h.pc.Close()
}

// MarkNonDialable records that no NAT-traversal strategy succeeded, so the
// peer's own DHT record advertises it as outbound-only. No relay-fallback
// transport exists in this package.
func MarkNonDialable(rec *DHTRecord) {
	rec.DialAble = false
}
