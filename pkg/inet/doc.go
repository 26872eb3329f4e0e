// Package inet implements the poll-mode network engine: Ethernet
// framing, ARP, ICMP echo, UDP sockets, a DHCP client and a DNS
// resolver over a nic.Adapter.
package inet

// One Stack serves the whole device and is owned by the network task:
// every mutation happens inside Poll or inside a socket operation
// called from some task's resume, and the executor guarantees those
// never overlap. Sockets live in a static table and are handed out as
// index handles; each handle belongs to the task that bound it, and
// touching it from any other task is a programming error that panics.
//
// Datagrams park in socket queues as payload views into pool frames,
// so receiving costs no allocation; the frame goes back to the pool
// when the owner reads or the socket closes. A send toward an
// unresolved neighbor starts ARP and reports ErrResolving instead of
// queueing: clients retransmit on their own timers anyway, and the
// retry finds the cache warm.
