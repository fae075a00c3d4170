package alljoyn

// SendMessage transmits msg as is.
func (c *Conn) SendMessage(msg *Message) (uint32, error) {
	return c.send(msg)
}
