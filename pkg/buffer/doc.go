// Package buffer provides a generic, thread-safe circular buffer.
//
// CircularBuffer keeps the last N values added to it. Once full, each Add
// evicts the oldest value; a drop callback and Prometheus metrics can observe
// those evictions.
//
//	buf, err := buffer.NewCircularBuffer[float64](64,
//	    buffer.WithMetrics[float64](registry, "joint_positions"),
//	)
//	if err != nil {
//	    return err
//	}
//	buf.Add(0.5)
//	latest, _ := buf.Get(0)
//
// Indexing
//
// Get counts back from the newest value: Get(0) is the most recent Add and
// Get(Size()-1) the oldest retained value. HeadValue is the oldest value and
// TailValue the newest.
//
// Draining
//
// ValueList copies the retained values oldest to newest without changing the
// buffer. Values does the same and then empties the buffer, so a producer can
// fill it and a consumer can take everything accumulated since the last
// drain.
package buffer
