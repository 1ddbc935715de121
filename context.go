package gamenet

// connectionContextMagic guards against a stale or foreign context being
// installed on the transport.
const connectionContextMagic uint32 = 0x11223344

// ClientServerContext is shared with the transport while a
// connection-enabled session exists. It gives packet serialization access
// to the messaging configuration and factory without coupling the
// transport to the client.
type ClientServerContext struct {
	magic            uint32
	ConnectionConfig *ConnectionConfig
	MessageFactory   MessageFactory
}

// Valid reports whether the context was produced by this package.
func (c *ClientServerContext) Valid() bool {
	return c != nil && c.magic == connectionContextMagic
}
