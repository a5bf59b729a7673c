package tcp

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *connector) Listen(address string, _ common.SocketConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}

	return listener, nil
}
