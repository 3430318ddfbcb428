package client

import "math"

// nextID returns the id for the next outgoing packet and advances the
// counter. At math.MaxInt32 the counter restarts from the configured default
// instead of overflowing, so ids are eventually reused.
func (c *Conn) nextID() int32 {
	id := c.currentID
	if c.currentID == math.MaxInt32 {
		c.currentID = c.defaultID
	} else {
		c.currentID++
	}
	return id
}
