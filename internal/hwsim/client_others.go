//go:build !linux
// +build !linux

package hwsim

import (
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

var _ osConn = &client{}

// A client is the no-op implementation of osConn.
type client struct{}

func newClient() (*client, error) { return nil, errUnimplemented }

func (*client) Close() error                                    { return errUnimplemented }
func (*client) Register() error                                 { return errUnimplemented }
func (*client) Send(_ uint8, _ *netlink.AttributeEncoder) error { return errUnimplemented }
func (*client) Receive() ([]genetlink.Message, error)           { return nil, errUnimplemented }

func temporary(error) bool { return false }
