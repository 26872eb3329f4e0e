package nic

import "golang.org/x/net/websocket"

// WSDevice tunnels frames over a websocket, one binary message per
// frame.
type WSDevice websocket.Conn

// NewWS wraps an accepted websocket connection.
func NewWS(conn *websocket.Conn) *WSDevice {
	return (*WSDevice)(conn)
}

// DialWS connects to a websocket frame tunnel. An empty origin
// defaults to http://localhost/.
func DialWS(url, origin string) (*WSDevice, error) {
	if origin == "" {
		origin = "http://localhost/"
	}
	conn, err := websocket.Dial(url, "", origin)
	if err != nil {
		return nil, err
	}
	return (*WSDevice)(conn), nil
}

// ReadFrame implements Device.
func (d *WSDevice) ReadFrame() (frame []byte, err error) {
	err = websocket.Message.Receive((*websocket.Conn)(d), &frame)
	return
}

// WriteFrame implements Device.
func (d *WSDevice) WriteFrame(frame []byte) error {
	return websocket.Message.Send((*websocket.Conn)(d), frame)
}

// Close implements Device.
func (d *WSDevice) Close() error {
	return (*websocket.Conn)(d).Close()
}
