// Package nic provides the link layer of the device runtime: frame
// devices, the receive frame pool and the adapter between device
// goroutines and the network task.
package nic

// A Device stands in for the Ethernet MAC. Implementations tunnel raw
// frames over an in-memory pipe, a UDP socket or a websocket, one
// frame per message. The Adapter owns the read loop: it copies frames
// into a fixed pool, queues their handles for the network task and
// wakes it, exactly the way a receive interrupt would. Frame storage
// never grows; when the pool or ring is full, frames are dropped and
// counted.
