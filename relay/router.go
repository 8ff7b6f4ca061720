package relay

import (
	"net"
	"sort"

	"github.com/sirupsen/logrus"

	"lanrelay/protocol"
)

// Router applies the delivery policy to control messages and relays media
// packets. Delivery is best effort: a failed or missing destination never
// errors the sender, and one failed write never aborts delivery to the
// remaining destinations.
type Router struct {
	registry *Registry
	log      *logrus.Logger
}

// NewRouter returns a router over the given registry.
func NewRouter(registry *Registry, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{registry: registry, log: log}
}

// Route delivers one control message according to its mode and returns the
// usernames it was delivered to. An empty or unrecognized mode falls back
// to broadcast, matching the client default.
func (rt *Router) Route(message protocol.Message, sender, mode string, recipients []string) []string {
	switch mode {
	case protocol.ModeUnicast:
		if len(recipients) == 0 {
			return nil
		}
		return rt.Unicast(message, sender, recipients[0])
	case protocol.ModeMulticast:
		return rt.Multicast(message, sender, recipients)
	default:
		return rt.Broadcast(message, sender)
	}
}

// Broadcast delivers to every active client except the sender.
func (rt *Router) Broadcast(message protocol.Message, sender string) []string {
	payload, err := protocol.EncodeMessage(message)
	if err != nil {
		rt.log.WithError(err).Warn("broadcast: encode failed")
		return nil
	}

	var delivered []string
	for _, client := range rt.registry.Snapshot() {
		if client.Username() == sender {
			continue
		}
		if rt.deliver(client, payload, message.MessageType()) {
			delivered = append(delivered, client.Username())
		}
	}
	sort.Strings(delivered)
	return delivered
}

// Multicast delivers to each named recipient that is active. Unknown
// recipients and the sender itself are silently skipped.
func (rt *Router) Multicast(message protocol.Message, sender string, recipients []string) []string {
	payload, err := protocol.EncodeMessage(message)
	if err != nil {
		rt.log.WithError(err).Warn("multicast: encode failed")
		return nil
	}

	var delivered []string
	seen := make(map[string]bool, len(recipients))
	for _, username := range recipients {
		if username == sender || seen[username] {
			continue
		}
		seen[username] = true

		client, err := rt.registry.Lookup(username)
		if err != nil || client.State() != StateActive {
			continue
		}
		if rt.deliver(client, payload, message.MessageType()) {
			delivered = append(delivered, username)
		}
	}
	sort.Strings(delivered)
	return delivered
}

// Unicast delivers to one named recipient if active, otherwise it is a
// no-op.
func (rt *Router) Unicast(message protocol.Message, sender, recipient string) []string {
	if recipient == "" || recipient == sender {
		return nil
	}
	return rt.Multicast(message, sender, []string{recipient})
}

// deliver writes one encoded frame to a destination. A write failure is
// logged and the destination is marked stale so the heartbeat monitor
// evicts it on the next scan.
func (rt *Router) deliver(client *ClientConn, payload []byte, msgType string) bool {
	if err := client.SendPayload(payload); err != nil {
		rt.log.WithFields(logrus.Fields{
			"user": client.Username(),
			"type": msgType,
		}).WithError(err).Warn("delivery failed, scheduling eviction")
		client.MarkStale()
		return false
	}
	return true
}

// RelayPacket forwards raw media packet bytes, unmodified, to every other
// active client with a learned UDP address. Clients that have not sent any
// UDP traffic yet are skipped, never queued.
func (rt *Router) RelayPacket(udpConn *net.UDPConn, data []byte, sender string) int {
	relayed := 0
	for _, client := range rt.registry.Snapshot() {
		if client.Username() == sender {
			continue
		}
		addr := client.UDPAddr()
		if addr == nil {
			continue
		}
		if _, err := udpConn.WriteToUDP(data, addr); err != nil {
			rt.log.WithField("user", client.Username()).WithError(err).Debug("udp relay failed")
			continue
		}
		relayed++
	}
	return relayed
}
