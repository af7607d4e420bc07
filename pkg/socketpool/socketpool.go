// Package socketpool implements the SocketPool collaborator named in
// SPEC_FULL.md section 1: hands out owned (dedicated) or shared UDP
// socket pairs (RTP + RTCP), reference-counted, and released on stream
// destruction (SPEC_FULL.md section 5, "Shared resources").
package socketpool

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

const multicastTTL = 16

// Pair is an owned RTP+RTCP UDP socket pair.
type Pair struct {
	RTP  *net.UDPConn
	RTCP *net.UDPConn

	// Dedicated pairs (multicast) are never shared; Key is empty for them.
	Key string

	mutex    sync.Mutex
	refCount int
}

// Key identifies a shareable unicast socket pair: (source address, remote
// address, remote RTCP port), per SPEC_FULL.md 4.7 step 8.
func Key(sourceAddr, remoteAddr net.IP, remoteRTCPPort int) string {
	return fmt.Sprintf("%s|%s|%d", sourceAddr.String(), remoteAddr.String(), remoteRTCPPort)
}

// Pool hands out owned or shared UDP socket pairs.
type Pool struct {
	mutex  sync.Mutex
	shared map[string]*Pair
}

// NewPool allocates an empty Pool.
func NewPool() *Pool {
	return &Pool{shared: make(map[string]*Pair)}
}

func listenUDPPair(sourceAddr *net.UDPAddr) (*net.UDPConn, *net.UDPConn, error) {
	rtp, err := net.ListenUDP("udp4", sourceAddr)
	if err != nil {
		return nil, nil, err
	}

	rtcpAddr := &net.UDPAddr{IP: sourceAddr.IP, Port: 0}
	rtcp, err := net.ListenUDP("udp4", rtcpAddr)
	if err != nil {
		rtp.Close() //nolint:errcheck
		return nil, nil, err
	}

	return rtp, rtcp, nil
}

// Dedicated allocates a socket pair that is never shared with other
// streams, setting TTL and the multicast source interface on both
// sockets, per SPEC_FULL.md 4.7 step 7 (multicast remotes).
func (p *Pool) Dedicated(sourceAddr *net.UDPAddr, iface *net.Interface, ttl int) (*Pair, error) {
	rtp, rtcp, err := listenUDPPair(sourceAddr)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = multicastTTL
	}

	if err := setMulticastParams(rtp, iface, ttl); err != nil {
		rtp.Close()  //nolint:errcheck
		rtcp.Close() //nolint:errcheck
		return nil, err
	}
	if err := setMulticastParams(rtcp, iface, ttl); err != nil {
		rtp.Close()  //nolint:errcheck
		rtcp.Close() //nolint:errcheck
		return nil, err
	}

	return &Pair{RTP: rtp, RTCP: rtcp, refCount: 1}, nil
}

func setMulticastParams(conn *net.UDPConn, iface *net.Interface, ttl int) error {
	pc := ipv4.NewPacketConn(conn)
	if iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			return err
		}
	}
	return pc.SetMulticastTTL(ttl)
}

// Shared returns the unicast socket pair for key, binding a new pair on
// sourceAddr if it does not yet exist, and increments its reference count.
func (p *Pool) Shared(key string, sourceAddr *net.UDPAddr) (*Pair, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if existing, ok := p.shared[key]; ok {
		existing.mutex.Lock()
		existing.refCount++
		existing.mutex.Unlock()
		return existing, nil
	}

	rtp, rtcp, err := listenUDPPair(sourceAddr)
	if err != nil {
		return nil, err
	}

	pair := &Pair{RTP: rtp, RTCP: rtcp, Key: key, refCount: 1}
	p.shared[key] = pair
	return pair, nil
}

// InterfaceForSource returns a multicast-capable network interface whose
// subnet contains ip, for use as the iface argument to Dedicated. Adapted
// from the teacher's pkg/multicast.InterfaceForSource.
func InterfaceForSource(ip net.IP) (*net.Interface, error) {
	if ip.Equal(net.IPv4(127, 0, 0, 1)) {
		return nil, fmt.Errorf("127.0.0.1 cannot be used as the source of a multicast stream")
	}

	intfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			_, ipnet, err := net.ParseCIDR(addr.String())
			if err == nil && ipnet.Contains(ip) {
				return intf, nil
			}
		}
	}

	return nil, fmt.Errorf("no multicast-capable interface can reach %v", ip)
}

// Release decrements pair's reference count, closing the underlying
// sockets and removing it from the pool once the count reaches zero.
func (p *Pool) Release(pair *Pair) {
	pair.mutex.Lock()
	pair.refCount--
	closeNow := pair.refCount <= 0
	pair.mutex.Unlock()

	if !closeNow {
		return
	}

	pair.RTP.Close()  //nolint:errcheck
	pair.RTCP.Close() //nolint:errcheck

	if pair.Key == "" {
		return
	}

	p.mutex.Lock()
	if p.shared[pair.Key] == pair {
		delete(p.shared, pair.Key)
	}
	p.mutex.Unlock()
}
