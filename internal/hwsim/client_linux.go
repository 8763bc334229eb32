//go:build linux
// +build linux

package hwsim

import (
	"errors"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

var _ osConn = &client{}

// A client is the Linux implementation of osConn, which speaks the
// mac80211_hwsim generic netlink protocol.
type client struct {
	c             *genetlink.Conn
	familyID      uint16
	familyVersion uint8
}

// newClient dials a generic netlink connection and verifies that the hwsim
// family is available for use by this package.
func newClient() (*client, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	// Best effort: older kernels may not support these options.
	for _, o := range []netlink.ConnOption{
		netlink.ExtendedAcknowledge,
		netlink.GetStrictCheck,
	} {
		_ = c.SetOption(o, true)
	}

	return initClient(c)
}

func initClient(c *genetlink.Conn) (*client, error) {
	family, err := c.GetFamily(familyName)
	if err != nil {
		// Ensure the genl socket is closed on error to avoid leaking file
		// descriptors.
		_ = c.Close()
		return nil, err
	}

	return &client{
		c:             c,
		familyID:      family.ID,
		familyVersion: family.Version,
	}, nil
}

// Close closes the client's generic netlink connection.
func (c *client) Close() error { return c.c.Close() }

// Register announces this connection to the medium and waits for it to be
// acknowledged.
func (c *client) Register() error {
	_, err := c.c.Execute(
		c.message(cmdRegister, nil),
		c.familyID,
		netlink.Request|netlink.Acknowledge,
	)
	return err
}

// Send sends a command without waiting for a reply, so that transmitting
// never blocks on the medium.
func (c *client) Send(cmd uint8, ae *netlink.AttributeEncoder) error {
	b, err := ae.Encode()
	if err != nil {
		return err
	}

	_, err = c.c.Send(c.message(cmd, b), c.familyID, netlink.Request)
	return err
}

// Receive waits for messages from the medium.
func (c *client) Receive() ([]genetlink.Message, error) {
	msgs, _, err := c.c.Receive()
	return msgs, err
}

func (c *client) message(cmd uint8, data []byte) genetlink.Message {
	return genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: c.familyVersion,
		},
		Data: data,
	}
}

// temporary reports whether a receive error only means messages were lost.
func temporary(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}
